package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"anyrun/internal/adapter/ddp"
	"anyrun/internal/adapter/download"
	"anyrun/internal/adapter/render"
	"anyrun/internal/domain"
	"anyrun/internal/infra/config"
	"anyrun/internal/infra/logger"
	"anyrun/internal/infra/tracer"
	"anyrun/internal/usecase/anyrun"
)

// app holds the wiring shared by subcommands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	out       *render.Printer
	stdout    io.Writer
	downloads *download.Client
	closers   []func()
}

// newApp loads config and starts logging and tracing, in that order. Output
// goes to out.
func newApp(ctx context.Context, flags *rootFlags, out io.Writer) (*app, error) {
	cfg, err := config.Load(configPath(flags.configPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	log, logCloser, err := logger.New(cfg.Logger, flags.debug)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = logCloser() })

	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() { _ = shutdown(context.Background()) })

	plain, width := flags.plain, 100
	if f, ok := out.(*os.File); ok {
		plain = plain || !isTerminal(f)
		width = terminalWidth(f)
	} else {
		plain = true
	}
	a.out = render.New(out, plain, width)
	a.stdout = out
	a.downloads = download.New(cfg.Download, cfg.Client.UserAgent, log)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// connect opens a realtime session and a Service on top of it.
func (a *app) connect(ctx context.Context) (*anyrun.Service, func() error, error) {
	c := a.cfg.Client
	header := http.Header{}
	header.Set("User-Agent", c.UserAgent)
	if c.Origin != "" {
		header.Set("Origin", c.Origin)
	}
	conn, err := ddp.Connect(ctx, ddp.Options{
		Endpoint:          ddp.SockJSEndpoint(c.BaseURL),
		Header:            header,
		DialTimeout:       c.DialTimeout,
		ReadTimeout:       c.ReadTimeout,
		SendTimeout:       c.SendTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		Logger:            a.log,
	})
	if err != nil {
		return nil, nil, err
	}
	return anyrun.NewService(conn, a.downloads, a.cfg.Download.IoCURL, a.log), conn.Close, nil
}

// requestContext bounds one round of remote calls.
func (a *app) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.Client.RequestTimeout)
}

// login authenticates svc, prompting for missing credentials.
func (a *app) login(ctx context.Context, svc *anyrun.Service) error {
	email, password, err := resolveCredentials(a.cfg.Auth, os.Stdin, os.Stderr, readPassword)
	if err != nil {
		return err
	}
	ctx, cancel := a.requestContext(ctx)
	defer cancel()
	_, err = svc.Login(ctx, email, password)
	return err
}

// resolveCredentials fills in whatever the config and environment left
// empty by asking on the terminal.
func resolveCredentials(auth config.AuthConfig, in io.Reader, prompt io.Writer, secret func() (string, error)) (string, string, error) {
	email, password := auth.Email, auth.Password
	if email == "" {
		fmt.Fprint(prompt, "Email: ")
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			return "", "", fmt.Errorf("%w: read email: %w", domain.ErrInvalidInput, err)
		}
		email = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Fprint(prompt, "Password: ")
		p, err := secret()
		fmt.Fprintln(prompt)
		if err != nil {
			return "", "", fmt.Errorf("%w: read password: %w", domain.ErrInvalidInput, err)
		}
		password = p
	}
	if email == "" || password == "" {
		return "", "", domain.NewDomainError("login", domain.ErrInvalidInput, "email and password are required")
	}
	return email, password, nil
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; set ANYRUN_PASSWORD")
	}
	b, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// configPath resolves the config file: flag, then $ANYRUN_CONFIG, then
// ~/.anyrun/config.yaml.
func configPath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("ANYRUN_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "config.yaml"
	}
	return filepath.Join(home, ".anyrun", "config.yaml")
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return 100
	}
	return w
}
