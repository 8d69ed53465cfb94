package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vibechat/internal/blobs"
	"vibechat/internal/config"
	"vibechat/internal/export"
	"vibechat/internal/session"
	"vibechat/internal/store"
	"vibechat/internal/ui"
)

func main() {
	root, err := newRootCmd()
	if err == nil {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err = root.ExecuteContext(ctx)
		stop()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, error) {
	v := viper.New()
	root := &cobra.Command{
		Use:           "vibechat",
		Short:         "Local-first chat history with attachments",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(v)
		},
	}
	if err := config.BindFlags(root.PersistentFlags(), v); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	root.AddCommand(
		newListCmd(v),
		newShowCmd(v),
		newExportCmd(v),
		newImportCmd(v),
		newRemoveCmd(v),
	)
	return root, nil
}

// app holds the components shared by the terminal client and the
// subcommands.
type app struct {
	cfg      config.AppConfig
	log      *log.Logger
	logClose io.Closer
	store    *store.Store
	ctrl     *session.Controller
	exporter *export.Exporter
}

func openApp(v *viper.Viper, logToFile bool, onChange func()) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger, logClose, err := config.NewLogger(cfg, logToFile)
	if err != nil {
		return nil, err
	}

	registry := blobs.NewRegistry()
	st, err := store.Open(cfg.DBPath,
		store.WithFetcher(blobs.NewFetcher(registry)),
		store.WithLogger(logger),
	)
	if err != nil {
		_ = logClose.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	exp, err := export.New(cfg.ExportDir)
	if err != nil {
		_ = st.Close()
		_ = logClose.Close()
		return nil, err
	}

	ctrl := session.New(st, registry, session.Options{
		Debounce:              cfg.Debounce,
		PersistWhileStreaming: cfg.PersistWhileStreaming,
		Meta: store.Meta{
			ModelID:         cfg.ModelID,
			ReasoningEffort: cfg.ReasoningEffort,
		},
		Logger:   logger,
		OnChange: onChange,
	})
	logger.Debug("opened data directory", "dir", cfg.DataDir, "db", cfg.DBPath)
	return &app{
		cfg:      cfg,
		log:      logger,
		logClose: logClose,
		store:    st,
		ctrl:     ctrl,
		exporter: exp,
	}, nil
}

func (a *app) Close() {
	a.ctrl.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "err", err)
	}
	_ = a.logClose.Close()
}

func runTUI(v *viper.Viper) error {
	notify, changes := ui.NewNotifier()
	a, err := openApp(v, true, notify)
	if err != nil {
		return err
	}
	defer a.Close()

	m := ui.NewModel(a.cfg, a.ctrl, a.exporter, changes)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}
