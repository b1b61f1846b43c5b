// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"

	"github.com/akbadjie/havanah/internal/call"
	"github.com/akbadjie/havanah/internal/chat"
	"github.com/akbadjie/havanah/internal/config"
	"github.com/akbadjie/havanah/internal/gateway"
	"github.com/akbadjie/havanah/internal/presence"
	signaling "github.com/akbadjie/havanah/internal/signal"
	"github.com/akbadjie/havanah/internal/store"
	"github.com/akbadjie/havanah/internal/util"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	showVersion = flag.Bool("version", false, "Show version")
	dataDirFlag = flag.String("dir", ".", "Data directory (config, document store)")
	userFlag    = flag.String("user", "", "User id (used when creating a fresh config)")
	addrFlag    = flag.String("addr", "", "Gateway listen address (overrides config)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Havanah v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absDir, err := filepath.Abs(*dataDirFlag)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "havanah.json")
	cfg, created, err := config.Ensure(cfgPath, *userFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("MAIN: wrote default config to %s", cfgPath)
	}
	if *addrFlag != "" {
		cfg.Gateway.HTTPAddr = *addrFlag
	}
	applyLogLevel(cfg.Log.Level)

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, absDir, cfgPath, cfg); err != nil {
		log.Fatalf("Havanah failed: %v", err)
	}
}

func run(ctx context.Context, dataDir, cfgPath string, cfg config.Config) error {
	st, err := store.Open(util.ResolvePath(dataDir, cfg.Paths.StoreDir))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	userID := cfg.Identity.UserID
	chatMgr := chat.New(st)
	sigMgr := signaling.New(st)

	typing := presence.NewTracker(chatMgr, userID, time.Duration(cfg.Chat.TypingWindowSec)*time.Second)
	defer typing.Stop()

	var callMgr *call.Manager
	if cfg.Call.Enabled {
		call.SetSTUNServer(cfg.Call.STUNURL)
		callMgr = call.NewManager(sigMgr, userID, nil)
		defer callMgr.Close()
	}

	go watchConfig(ctx, cfgPath)

	srv := gateway.New(gateway.Deps{
		UserID: userID,
		Chat:   chatMgr,
		Typing: typing,
		Signal: sigMgr,
		Calls:  callMgr,
	})
	return srv.Serve(ctx, cfg.Gateway.HTTPAddr)
}

// watchConfig re-reads the config on file changes and applies the settings
// that can change at runtime (currently the log level).
func watchConfig(ctx context.Context, cfgPath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("MAIN: create config watcher: %v", err)
		return
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace the file on save,
	// which would drop a watch on the inode.
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		log.Printf("MAIN: watch config dir: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(cfgPath) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				log.Printf("MAIN: config reload skipped: %v", err)
				continue
			}
			applyLogLevel(cfg.Log.Level)
			log.Printf("MAIN: config reloaded (log level %s)", cfg.Log.Level)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("MAIN: config watcher error: %v", err)
		}
	}
}

func applyLogLevel(level string) {
	if err := logging.SetLogLevel("store", level); err != nil {
		log.Printf("MAIN: set log level: %v", err)
	}
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Printf("Havanah v%s\n", appVersion)
	fmt.Printf("  user:    %s\n", cfg.Identity.UserID)
	fmt.Printf("  data:    %s\n", dataDir)
	fmt.Printf("  config:  %s\n", cfgPath)
	fmt.Printf("  gateway: http://%s\n", cfg.Gateway.HTTPAddr)
	if !cfg.Call.Enabled {
		fmt.Println("  calls:   disabled")
	}
}

func showUsage() {
	fmt.Println("Havanah — marketplace chat and call node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  havanah [-dir <data-dir>] [-user <id>] [-addr <host:port>]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
