package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vibechat/internal/chat"
	"vibechat/internal/export"
	"vibechat/internal/store"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	var (
		query string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, false, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			convs, err := a.ctrl.Search(cmd.Context(), query, limit)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conversations")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), conversationTable(convs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "search", "s", "", "only list conversations matching this query")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of conversations")
	return cmd
}

func conversationTable(convs []store.Conversation) string {
	rows := make([][]string, 0, len(convs))
	for _, c := range convs {
		rows = append(rows, []string{
			c.ID,
			chat.Truncate(c.Title, 40),
			formatMillis(c.UpdatedAt),
			chat.Truncate(c.LastMessagePreview, 60),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ID", "TITLE", "UPDATED", "PREVIEW").
		Rows(rows...).
		String()
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	var (
		tools     bool
		reasoning bool
		render    bool
		write     bool
	)
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation transcript as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, false, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			conv, err := a.store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			msgs, _, err := a.store.GetMessages(ctx, conv.ID, nil)
			if err != nil {
				return err
			}
			toggles := export.Toggles{IncludeTools: tools, IncludeReasoning: reasoning}

			if write {
				path, err := a.exporter.WriteMarkdown(conv, msgs, toggles)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}

			md := export.BuildTranscriptMarkdown(msgs, toggles)
			if !render {
				_, err := io.WriteString(cmd.OutOrStdout(), md)
				return err
			}
			r, err := glamour.NewTermRenderer(
				glamour.WithStandardStyle(a.cfg.GlamourStyle),
				glamour.WithWordWrap(100),
			)
			if err != nil {
				return fmt.Errorf("create renderer: %w", err)
			}
			out, err := r.Render(md)
			if err != nil {
				return fmt.Errorf("render transcript: %w", err)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().BoolVar(&tools, "tools", false, "include tool calls")
	cmd.Flags().BoolVar(&reasoning, "reasoning", false, "include reasoning")
	cmd.Flags().BoolVar(&render, "render", false, "render markdown for the terminal")
	cmd.Flags().BoolVar(&write, "write", false, "write a markdown file to the export directory instead of printing")
	return cmd
}

func newExportCmd(v *viper.Viper) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "export [id...]",
		Short: "Export conversations with their attachments as a JSON bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass conversation ids or --all")
			}
			a, err := openApp(v, false, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var bundles []export.Bundle
			if all {
				bundles, err = a.ctrl.ExportAll(ctx)
				if err != nil {
					return err
				}
			} else {
				for _, id := range args {
					b, err := a.ctrl.ExportOne(ctx, id)
					if err != nil {
						return fmt.Errorf("export %s: %w", id, err)
					}
					bundles = append(bundles, b)
				}
			}
			if len(bundles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conversations")
				return nil
			}
			path, err := a.exporter.WriteBundles(bundles)
			if err != nil {
				return err
			}
			a.log.Info("exported conversations", "count", len(bundles), "path", path)
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "export every conversation into one file")
	return cmd
}

func newImportCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>...",
		Short: "Import conversation bundles as new conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, false, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			failed := 0
			for _, path := range args {
				data, err := export.ReadFile(path)
				if err != nil {
					return err
				}
				results, err := a.ctrl.Import(cmd.Context(), data)
				if err != nil {
					return fmt.Errorf("import %s: %w", path, err)
				}
				for _, r := range results {
					if r.Err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, r.Err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Conversation.ID, r.Conversation.Title)
				}
				failed += export.Failed(results)
			}
			if failed > 0 {
				return fmt.Errorf("%d bundle(s) failed to import", failed)
			}
			return nil
		},
	}
}

func newRemoveCmd(v *viper.Viper) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "rm [id...]",
		Short: "Delete conversations and their attachments",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass conversation ids or --all, not both")
			}
			a, err := openApp(v, false, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if all {
				return a.ctrl.DeleteAll(ctx)
			}
			var missing []string
			for _, id := range args {
				if _, err := a.store.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
					missing = append(missing, id)
					continue
				}
				if err := a.ctrl.Delete(ctx, id); err != nil {
					return err
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("not found: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every conversation")
	return cmd
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "n/a"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
