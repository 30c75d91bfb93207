package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/gateway/pkg/driver"
)

var probeFlags struct {
	timeout time.Duration
	verbose bool
}

var probeCmd = &cobra.Command{
	Use:   "probe [-- args...]",
	Short: "Check that the configured agent starts and is recognised as ready",
	Long: `Start the configured agent once in the current directory and feed its output
through the configured driver until the readiness marker is seen or the
timeout expires. Use it to verify agent_command and ready_pattern.`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeFlags.timeout, "timeout", 30*time.Second, "how long to wait for readiness")
	probeCmd.Flags().BoolVarP(&probeFlags.verbose, "verbose", "v", false, "print agent output")
	rootCmd.AddCommand(probeCmd)
}

type probeChunk struct {
	stderr bool
	data   []byte
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	drv, err := driver.New(cfg.Agent.Driver, cfg.Agent.ReadyPattern)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeFlags.timeout)
	defer cancel()

	agentArgs := append(append([]string(nil), cfg.Agent.Args...), args...)
	agent := exec.CommandContext(ctx, cfg.Agent.Command, agentArgs...)
	if cfg.Agent.Credential != "" {
		agent.Env = append(agent.Environ(), cfg.Agent.CredentialEnv+"="+cfg.Agent.Credential)
	}
	stdout, err := agent.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := agent.StderrPipe()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	start := time.Now()
	if err := agent.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("agent %q not found; install it with: %s", cfg.Agent.Command, cfg.Agent.InstallHint)
		}
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer func() {
		cancel()
		agent.Wait()
	}()
	fmt.Fprintf(out, "started %s (pid %d) with driver %s\n", cfg.Agent.Command, agent.Process.Pid, drv.Name())

	chunks := make(chan probeChunk)
	pump := func(r io.Reader, isErr bool) {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case chunks <- probeChunk{stderr: isErr, data: append([]byte(nil), buf[:n]...)}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
	go pump(stdout, false)
	go pump(stderr, true)

	for {
		select {
		case c := <-chunks:
			if c.stderr {
				if msg, ok := drv.ClassifyStderr(c.data); ok {
					return errors.New(msg)
				}
				if probeFlags.verbose {
					fmt.Fprintf(out, "stderr: %s\n", driver.StripANSI(c.data))
				}
				continue
			}
			if probeFlags.verbose {
				fmt.Fprintf(out, "stdout: %s\n", driver.StripANSI(c.data))
			}
			if drv.DetectReady(c.data) {
				fmt.Fprintf(out, "ready after %s\n", time.Since(start).Round(time.Millisecond))
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("agent did not report readiness within %s", probeFlags.timeout)
		}
	}
}
