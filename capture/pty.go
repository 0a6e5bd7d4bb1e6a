package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/web3tea/dvm-relay/pkg/log"
)

type PTYConfig struct {
	Command string   `json:"command" yaml:"command" toml:"command"`
	Args    []string `json:"args" yaml:"args" toml:"args"`
	Dir     string   `json:"dir" yaml:"dir" toml:"dir"`
	Rows    uint16   `json:"rows" yaml:"rows" toml:"rows"`
	Cols    uint16   `json:"cols" yaml:"cols" toml:"cols"`
}

// PTYProvider runs a local command on a pseudo-terminal, for hosts
// without docker and for tests.
type PTYProvider struct {
	cfg    PTYConfig
	logger log.Logger
}

func NewPTYProvider(cfg PTYConfig, logger log.Logger) *PTYProvider {
	if cfg.Command == "" {
		cfg.Command = "/bin/sh"
	}
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &PTYProvider{cfg: cfg, logger: logger}
}

func (p *PTYProvider) Type() string { return "pty" }

func (p *PTYProvider) CreateAndStart(ctx context.Context) (Handle, error) {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: p.cfg.Rows, Cols: p.cfg.Cols})
	if err != nil {
		return nil, setupError("start "+p.cfg.Command, err)
	}
	p.logger.Infof("started %s (pid %d)", p.cfg.Command, cmd.Process.Pid)
	return &ptyHandle{cmd: cmd, tty: f, logger: p.logger}, nil
}

type ptyHandle struct {
	cmd    *exec.Cmd
	tty    *os.File
	logger log.Logger
	once   sync.Once
}

func (h *ptyHandle) Stream() (io.Reader, io.Writer) {
	return eioReader{h.tty}, h.tty
}

func (h *ptyHandle) Teardown(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		if h.cmd.ProcessState == nil {
			_ = h.cmd.Process.Kill()
		}
		err = h.tty.Close()
		_ = h.cmd.Wait()
		h.logger.Infof("process %d stopped", h.cmd.Process.Pid)
	})
	return err
}

// eioReader reports the EIO a Linux pty master returns after the child
// exits as a plain EOF.
type eioReader struct {
	r io.Reader
}

func (e eioReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

var _ Provider = (*PTYProvider)(nil)
