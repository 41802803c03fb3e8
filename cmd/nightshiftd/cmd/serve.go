package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nightshiftvm/nightshift/internal/config"
	"github.com/nightshiftvm/nightshift/internal/eventbus"
	"github.com/nightshiftvm/nightshift/internal/httpapi"
	"github.com/nightshiftvm/nightshift/internal/netalloc"
	"github.com/nightshiftvm/nightshift/internal/nightshift"
	"github.com/nightshiftvm/nightshift/internal/orchestrator"
	"github.com/nightshiftvm/nightshift/internal/overlay"
	"github.com/nightshiftvm/nightshift/internal/vm"
	"github.com/nightshiftvm/nightshift/internal/vmpool"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAPIKey string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the core process: pool, orchestrator, and HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", os.Getenv("NIGHTSHIFT_API_KEY"), "bearer token required on POST /internal/runs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(c *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := netalloc.CleanupStale(); err != nil {
		log.Printf("nightshiftd: stale network cleanup reported an error, continuing: %v", err)
	}

	allocs := netalloc.New()
	bus := eventbus.New()

	vmCfg := vm.Config{
		FirecrackerBin: cfg.FirecrackerBin,
		KernelPath:     cfg.KernelPath,
		BaseImage:      cfg.BaseImage,
		ImagesDir:      cfg.ImagesDir,
		ScratchRoot:    cfg.ScratchRoot,
	}

	factory := buildFactory(vmCfg, allocs, cfg.HealthTimeoutSecs)
	pool := vmpool.New(factory, cfg.DefaultPoolCap, time.Duration(cfg.IdleEvictSeconds)*time.Second)
	orch := orchestrator.New(pool, bus)

	server := httpapi.NewServer(bus, orch, logRunComplete, serveAPIKey)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: http.HandlerFunc(server.ServeHTTP),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("nightshiftd: listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Printf("nightshiftd: received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("nightshiftd: http shutdown error: %v", err)
	}
	pool.Shutdown(shutdownCtx)

	return nil
}

// buildFactory returns the vmpool.Factory that cold-starts a real
// FirecrackerHandle: stage the agent's workspace, construct the overlay
// (inside FirecrackerHandle.Start), boot, and wait for health.
func buildFactory(vmCfg vm.Config, allocs *netalloc.Allocator, defaultHealthTimeoutS int) vmpool.Factory {
	return func(ctx context.Context, vmID string, descriptor nightshift.AgentDescriptor) (nightshift.Handle, string, error) {
		scratchDir := filepath.Join(vmCfg.ScratchRoot, vmID)

		stagedWorkspace, err := overlay.StageWorkspace(scratchDir, descriptor.WorkspaceSource)
		if err != nil {
			return nil, "", err
		}

		handle := vm.New(vmID, vmCfg, allocs)

		healthTimeoutS := descriptor.ResourceProfile.HealthTimeoutS
		if healthTimeoutS <= 0 {
			healthTimeoutS = defaultHealthTimeoutS
		}

		env := mergeEnv(resolveForwardedEnv(descriptor.ForwardEnvNames), descriptor.StaticEnv)

		if err := handle.Start(
			ctx,
			stagedWorkspace,
			descriptor.ModuleLocation,
			env,
			descriptor.ResourceProfile.VCPUs,
			descriptor.ResourceProfile.MemoryMiB,
			descriptor.ResourceProfile.EventPort,
			healthTimeoutS,
			descriptor.BootTimeoutS,
		); err != nil {
			return nil, "", fmt.Errorf("start vm %s: %w", vmID, err)
		}

		return handle, descriptor.WorkspaceSource, nil
	}
}

// resolveForwardedEnv reads each name in names from the host environment,
// in the style of the original _build_static_env_vars: names absent or
// empty in the host environment are silently skipped rather than forwarded
// as empty strings.
func resolveForwardedEnv(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if val := os.Getenv(name); val != "" {
			out[name] = val
		}
	}
	return out
}

// mergeEnv layers two env maps so the second wins on a shared key; the
// factory passes forwarded host vars first, then the agent's static env.
func mergeEnv(staticEnv, runtimeEnv map[string]string) map[string]string {
	out := make(map[string]string, len(staticEnv)+len(runtimeEnv))
	for k, v := range staticEnv {
		out[k] = v
	}
	for k, v := range runtimeEnv {
		out[k] = v
	}
	return out
}

// logRunComplete is the default registry completion callback: this repo
// ships with no external run registry, so it just logs the outcome.
func logRunComplete(ctx context.Context, runID string, errMsg *string) error {
	if errMsg != nil {
		log.Printf("nightshiftd: run %s completed with error: %s", runID, *errMsg)
	} else {
		log.Printf("nightshiftd: run %s completed successfully", runID)
	}
	return nil
}
