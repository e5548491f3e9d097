package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"quickdoctor/lib/citydata"
	"quickdoctor/lib/cookiestore"
	"quickdoctor/lib/events"
	"quickdoctor/lib/grabber"
	"quickdoctor/lib/history"
	"quickdoctor/lib/proxypool"
	"quickdoctor/lib/scrapers/guahao"
	"quickdoctor/services/acquisition"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quickdoctor",
	Short: "quickdoctor books 91160.com appointment slots the moment they open.",
}

var flagDataDir *string

func init() {
	flagDataDir = rootCmd.PersistentFlags().String("data", "", "Data directory for cookies, history and cities.json (default ~/.quickdoctor).")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dataDir() (string, error) {
	if *flagDataDir != "" {
		return *flagDataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".quickdoctor"), nil
}

// app bundles the shared service plus the channels the commands block
// on.
type app struct {
	dir     string
	svc     *acquisition.Service
	history *history.Store
	bus     *events.Bus

	loginStatus  chan bool
	grabFinished chan grabber.Result
}

func newApp() (*app, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	store := cookiestore.NewStore(filepath.Join(dir, "cookies.json"))
	client, err := guahao.NewClient(guahao.ClientOptions{Store: store})
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(filepath.Join(dir, "grab91160.db"))
	if err != nil {
		return nil, err
	}
	cities, err := citydata.Load(filepath.Join(dir, "cities.json"))
	if err != nil {
		return nil, err
	}

	a := &app{
		dir:          dir,
		history:      hist,
		bus:          events.NewBus(1024),
		loginStatus:  make(chan bool, 8),
		grabFinished: make(chan grabber.Result, 1),
	}
	go a.printEvents()

	a.svc = acquisition.NewService(acquisition.Options{
		Client:  client,
		Store:   store,
		History: hist,
		Proxies: proxypool.NewPool(proxypool.Options{}),
		Bus:     a.bus,
		Cities:  cities,
		OnQRImage: func(img []byte, uuid string) {
			path := filepath.Join(dir, "qr.png")
			if err := os.WriteFile(path, img, 0o644); err != nil {
				slog.Error("failed to write qr image", "err", err)
				return
			}
			slog.Info("scan the QR code with WeChat", "path", path, "uuid", uuid)
		},
		OnLoginStatus: func(ok bool) {
			select {
			case a.loginStatus <- ok:
			default:
			}
		},
		OnGrabFinished: func(result grabber.Result) {
			select {
			case a.grabFinished <- result:
			default:
			}
		},
	})
	return a, nil
}

func (a *app) close() {
	a.bus.Close()
	a.history.Close()
}

func (a *app) printEvents() {
	for entry := range a.bus.Events() {
		switch entry.Level {
		case events.LevelError:
			slog.Error(entry.Message)
		case events.LevelWarn:
			slog.Warn(entry.Message)
		default:
			slog.Info(entry.Message)
		}
	}
}
