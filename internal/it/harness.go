package it

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"hashring/internal/membership"
	"hashring/internal/server"
)

// Cluster is a set of independent ringd processes. Each hosts its own ring;
// the test plays the external membership source by broadcasting updates.
type Cluster struct {
	procs      []*Process
	logDir     string
	binaryPath string
	mu         sync.Mutex
}

// Process is a single ringd in the cluster.
type Process struct {
	ID      string
	Addr    string
	Port    int
	args    []string
	cmd     *exec.Cmd
	logFile *os.File
	client  *server.Client
}

// NewCluster creates a new test cluster harness
func NewCluster(binaryPath string) (*Cluster, error) {
	logDir := filepath.Join(".local", "it-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &Cluster{
		procs:      make([]*Process, 0),
		logDir:     logDir,
		binaryPath: binaryPath,
	}, nil
}

// StartProcess starts a ringd listening on port with the given initial
// nodes ("id=addr;zone=z,..."). Extra flags are passed through.
func (c *Cluster) StartProcess(ctx context.Context, id string, port int, nodes string, extra ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &Process{
		ID:   id,
		Addr: fmt.Sprintf("127.0.0.1:%d", port),
		Port: port,
		args: append([]string{
			"--listen", fmt.Sprintf("127.0.0.1:%d", port),
			"--nodes", nodes,
			"--vnodes", "150",
		}, extra...),
	}
	if err := c.launch(ctx, p); err != nil {
		return err
	}
	c.procs = append(c.procs, p)
	return nil
}

func (c *Cluster) launch(ctx context.Context, p *Process) error {
	logPath := filepath.Join(c.logDir, fmt.Sprintf("%s.log", p.ID))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.binaryPath, p.args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start %s: %w", p.ID, err)
	}

	client, err := server.Dial(p.Addr)
	if err != nil {
		cmd.Process.Kill()
		logFile.Close()
		return fmt.Errorf("failed to dial %s: %w", p.ID, err)
	}

	p.cmd = cmd
	p.logFile = logFile
	p.client = client

	if err := waitForReady(ctx, p, 10*time.Second); err != nil {
		p.Stop()
		return fmt.Errorf("%s failed to become ready: %w", p.ID, err)
	}
	return nil
}

// waitForReady polls the health service until the process serves.
func waitForReady(ctx context.Context, p *Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for %s to be ready", p.ID)
			}

			healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			ok, err := p.client.Healthy(healthCtx)
			cancel()

			if err == nil && ok {
				return nil
			}
		}
	}
}

// StartCluster starts n processes on consecutive ports from basePort, all
// seeded with the same nodes.
func (c *Cluster) StartCluster(ctx context.Context, n, basePort int, nodes string) error {
	if c.binaryPath == "" {
		c.binaryPath = "./ringd"
	}
	if _, err := os.Stat(c.binaryPath); os.IsNotExist(err) {
		return fmt.Errorf("binary not found at %s, build it first with 'go build -o ringd ./cmd/ringd'", c.binaryPath)
	}

	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("r%d", i)
		if err := c.StartProcess(ctx, id, basePort+i-1, nodes); err != nil {
			c.Stop()
			return fmt.Errorf("failed to start %s: %w", id, err)
		}
	}
	return nil
}

// Broadcast applies membership updates to every process.
func (c *Cluster) Broadcast(ctx context.Context, updates []membership.Member) error {
	c.mu.Lock()
	procs := append([]*Process(nil), c.procs...)
	c.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if _, err := p.client.ApplyMembership(ctx, updates); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

// GetProcess returns a process by ID
func (c *Cluster) GetProcess(id string) *Process {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.procs {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Processes returns all processes.
func (c *Cluster) Processes() []*Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Process(nil), c.procs...)
}

// RestartProcess kills a process and starts it again with the same flags.
func (c *Cluster) RestartProcess(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.procs {
		if p.ID == id {
			p.Stop()
			return c.launch(ctx, p)
		}
	}
	return fmt.Errorf("process %s not found", id)
}

// Stop stops all processes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.procs {
		p.Stop()
	}
	c.procs = nil
}

// Stop stops a single process
func (p *Process) Stop() {
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	}
	if p.logFile != nil {
		p.logFile.Close()
	}
}

// Client returns the Router client for a process
func (p *Process) Client() *server.Client {
	return p.client
}
