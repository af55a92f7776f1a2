package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tinify-unlimited/internal/fileutil"
	"tinify-unlimited/internal/inspect"
	"tinify-unlimited/internal/logger"
	"tinify-unlimited/internal/pipeline"
	"tinify-unlimited/internal/statistics"
	"tinify-unlimited/internal/tasks"
	"tinify-unlimited/internal/web"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// prepare builds the pipeline, activates a key and re-queues files left over
// from earlier runs.
func prepare(ctx context.Context) (*pipeline.Pipeline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := setupLogger(cfg)

	p, err := pipeline.New(cfg, log, pipeline.Options{})
	if err != nil {
		return nil, err
	}
	if err := p.Init(ctx); err != nil {
		return nil, err
	}

	report, ran, err := p.Requeue(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-queue failed files: %w", err)
	}
	if ran {
		printReports("Previously failed files", report)
	}
	return p, nil
}

// runDir compresses the directory given by --dir, or the ones typed in.
func runDir() error {
	dirs := []string{directory}
	if directory == "" {
		var err error
		if dirs, err = promptDirectories(); err != nil {
			return err
		}
		if len(dirs) == 0 {
			return fmt.Errorf("no directory given")
		}
	}
	for _, d := range dirs {
		if !fileutil.DirExists(d) {
			return fmt.Errorf("directory does not exist: %s", d)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := prepare(ctx)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		reports, err := p.CompressDir(ctx, d, recursive, writeLog)
		printReports(d, reports...)
		if err != nil {
			return fmt.Errorf("compress %s: %w", d, err)
		}
	}
	return nil
}

// promptDirectories reads directories from the terminal until an empty line.
func promptDirectories() ([]string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("--dir is required when stdin is not a terminal")
	}

	var dirs []string
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "Directory to compress (empty line to start): ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		if !fileutil.DirExists(line) {
			fmt.Fprintf(os.Stderr, "Not a directory: %s\n", line)
			continue
		}
		dirs = append(dirs, line)
	}
	return dirs, scanner.Err()
}

// runFile compresses one file.
func runFile(path string) error {
	if !fileutil.FileExists(path) {
		return fmt.Errorf("file does not exist: %s", path)
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := prepare(ctx)
	if err != nil {
		return err
	}
	report, err := p.CompressFiles(ctx, []string{path})
	printReports(path, report)
	return err
}

// runTasks executes a task file.
func runTasks(path string) error {
	t, err := tasks.Load(path)
	if err != nil {
		return err
	}
	if t.Len() == 0 {
		return fmt.Errorf("task file %s lists nothing to do", path)
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := prepare(ctx)
	if err != nil {
		return err
	}
	reports, err := p.RunTasks(ctx, t, recursive, writeLog)
	printReports(filepath.Base(path), reports...)
	return err
}

// runApply requests n keys from the provisioner.
func runApply(n int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogger(cfg)
	if cfg.Provisioning.Command == "" {
		return fmt.Errorf("provisioning.command is not configured")
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := pipeline.New(cfg, log, pipeline.Options{})
	if err != nil {
		return err
	}
	added, err := p.Apply(ctx, n)
	if !quiet {
		fmt.Printf("Added %d of %d requested key(s)\n", added, n)
	}
	return err
}

// runRearrange refreshes the usage of every key and rewrites the key file.
func runRearrange() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogger(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	p, err := pipeline.New(cfg, log, pipeline.Options{})
	if err != nil {
		return err
	}
	pool, usage, err := p.Rearrange(ctx)
	if err != nil {
		return fmt.Errorf("rearrange failed: %w", err)
	}

	if !quiet {
		for _, u := range usage {
			state := "ok"
			if u.Error != "" {
				state = u.Error
			}
			fmt.Printf("%-40s %4d  %s\n", logger.MaskKey(u.Key), u.Count, state)
		}
		fmt.Printf("\n%d available, %d unavailable\n", len(pool.Available), len(pool.Unavailable))
	}
	return nil
}

// runInspect prints what is known about a file.
func runInspect(path string) error {
	if !fileutil.FileExists(path) {
		return fmt.Errorf("file does not exist: %s", path)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	var marker []byte
	if cfg, err := loadConfig(); err == nil {
		marker = []byte(cfg.Compression.Marker)
	}

	var software inspect.SoftwareReader = inspect.GoExifReader{}
	if useExif {
		et, err := inspect.NewExiftoolReader()
		if err != nil {
			return err
		}
		defer et.Close()
		software = et
	}

	info, err := inspect.NewInspector(log, marker, software).Inspect(path)
	if err != nil {
		return err
	}

	fmt.Printf("File:       %s\n", info.Path)
	fmt.Printf("Type:       %s\n", info.TypeName)
	fmt.Printf("Size:       %s\n", info.SizeText)
	fmt.Printf("Compressed: %t\n", info.Compressed)
	if info.Width > 0 {
		fmt.Printf("Dimensions: %dx%d\n", info.Width, info.Height)
	}
	if info.DecodeError != "" {
		fmt.Printf("Decode:     %s\n", info.DecodeError)
	}
	if info.Software != "" {
		fmt.Printf("Software:   %s\n", info.Software)
	}
	return nil
}

// runServe starts the status server and handles graceful shutdown.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	log := setupLogger(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	server := web.NewServer(cfg, log)
	p, err := pipeline.New(cfg, log, pipeline.Options{
		Progress: server.Progress,
		LogHook:  server.LogHook,
	})
	if err != nil {
		return err
	}
	if err := p.Init(ctx); err != nil {
		log.Warnf("Starting without an active key: %v", err)
	}
	server.Attach(p)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("Status server listening on http://localhost:%d\n", port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	fmt.Println("\nShutting down server...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped")
	return nil
}

func printReports(title string, reports ...statistics.Report) {
	if quiet {
		return
	}
	for _, r := range reports {
		if r.FileCount == 0 {
			continue
		}
		name := title
		if r.InputDir != "" {
			name = r.InputDir
		}
		fmt.Printf("\n== %s ==\n%s\n%s\n", name, r.Summary(), r.ErrorSummary())
	}
}
