package cmd

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"imagedecloner/internal/server"
)

var (
	servePort      int
	serveTimeout   time.Duration
	serveNoBrowser bool
)

var serveCmd = &cobra.Command{
	Use:   "serve <source>",
	Short: "Serve duplicate groups over a local JSON API",
	Long: `Scan a source and start a local web server exposing the groups.

Endpoints:
  GET  /api/groups                       groups with the suggested keep
  GET  /api/stats                        counts for the loaded session
  GET  /api/failures                     images that could not be read
  GET  /api/images/{id}                  image metadata
  GET  /api/images/{id}/thumbnail?size=  thumbnail bytes
  GET  /api/images/{id}/content          original bytes
  POST /api/delete   {"ids": [...]}      delete images, returns a report
  POST /api/reload                       rescan the source

The server shuts down after the idle timeout without requests.

Example:
  imagedecloner serve ./photos              # Start on default port 8080
  imagedecloner serve ./photos -p 3000      # Use custom port
  imagedecloner serve remote: --timeout 10m # 10 minute idle timeout`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().DurationVar(&serveTimeout, "timeout", 5*time.Minute, "Idle timeout (0 to disable)")
	serveCmd.Flags().BoolVar(&serveNoBrowser, "no-browser", false, "Don't open browser automatically")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	src, err := openSource(ctx, args[0])
	if err != nil {
		return explain(err)
	}

	store := openHistory()
	if store != nil {
		defer store.Close()
	}

	progress := &progressPrinter{}
	ctrl, err := newController(src, store, progress.update)
	if err != nil {
		return err
	}
	stats, err := ctrl.Load(ctx)
	progress.clear()
	if err != nil {
		return fmt.Errorf("scan failed: %w", explain(err))
	}
	fmt.Printf("Loaded %d images, %d duplicate groups\n", stats.Loaded, stats.Groups)

	srv := server.New(ctrl, server.Options{
		Addr:          fmt.Sprintf("127.0.0.1:%d", servePort),
		IdleTimeout:   serveTimeout,
		ThumbnailSize: cfg.ThumbnailSize,
		Logger:        logger,
	})

	url := fmt.Sprintf("http://localhost:%d/api/groups", servePort)
	fmt.Printf("Starting server at %s\n", url)
	if serveTimeout > 0 {
		fmt.Printf("Idle timeout: %v (resets on every request)\n", serveTimeout)
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	// Open browser
	if !serveNoBrowser {
		go func() {
			time.Sleep(500 * time.Millisecond)
			openBrowser(url)
		}()
	}

	return srv.ListenAndServe(ctx)
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Run(); err != nil {
		logger.Debug().Err(err).Msg("could not open browser")
	}
}
