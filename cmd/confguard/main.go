// Command confguard runs the hardened configuration-management HTTP
// agent: it serves a narrow REST surface for reading and atomically
// rewriting a declared set of configuration files, rolling back to
// timestamped backups, and invoking a whitelisted set of service-control
// actions, without granting shell access to the host.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"confguard/internal/model"
	"confguard/internal/registry"
)

const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second

	configUmask = 0o007
)

var dir = flag.String("dir", "", "directory containing global.json and configs.json (default: the binary's own directory)")

func main() {
	flag.Parse()

	bootDir := *dir
	if bootDir == "" {
		exe, err := os.Executable()
		if err != nil {
			log.Fatalf("[ERROR] cannot determine executable path: %v", err)
		}
		bootDir = filepath.Dir(exe)
	}

	syscall.Umask(configUmask)

	globalPath := filepath.Join(bootDir, "global.json")
	globalData, err := os.ReadFile(globalPath)
	if err != nil {
		log.Fatalf("[ERROR] cannot read %s: %v", globalPath, err)
	}
	global, err := model.LoadGlobalConfig(globalData)
	if err != nil {
		log.Fatalf("[ERROR] invalid %s: %v", globalPath, err)
	}

	if global.BackupDir != "" {
		if err := os.MkdirAll(global.BackupDir, 0o750); err != nil {
			log.Fatalf("[ERROR] cannot create backup directory %s: %v", global.BackupDir, err)
		}
	}
	if global.TmpDir != "" {
		if err := os.MkdirAll(global.TmpDir, 0o750); err != nil {
			log.Fatalf("[ERROR] cannot create temp directory %s: %v", global.TmpDir, err)
		}
	}

	reg := registry.New(filepath.Join(bootDir, "configs.json"))
	skipped, err := reg.LoadFromFile()
	if err != nil {
		log.Fatalf("[ERROR] invalid configs.json: %v", err)
	}
	if len(skipped) > 0 {
		log.Printf("[WARN] skipped %d invalid configs.json entries: %v", len(skipped), skipped)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Watch(ctx); err != nil {
		log.Printf("[WARN] configs.json hot-reload watcher disabled: %v", err)
	}

	if global.APIToken == "" {
		log.Println("[WARN] running without API token authentication")
	} else {
		log.Println("[INFO] API token authentication enabled")
	}
	if len(global.AllowedNets) == 0 {
		log.Println("[WARN] running without an IP allow-list")
	}

	server := NewServer(global, reg)

	srv := &http.Server{
		Addr:           global.Listen,
		Handler:        requestPipeline(server, newRouter(server)),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 16,
	}

	go func() {
		log.Printf("[INFO] confguard listening on %s", global.Listen)
		var serveErr error
		if global.SSLEnable {
			serveErr = srv.ListenAndServeTLS(global.SSLCertFile, global.SSLKeyFile)
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("[ERROR] server failed: %v", serveErr)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("[INFO] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] shutdown error: %v", err)
		os.Exit(1)
	}
	log.Println("[INFO] shutdown complete")
}
