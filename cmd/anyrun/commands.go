package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"anyrun/internal/adapter/taskstore"
	"anyrun/internal/domain"
	"anyrun/internal/infra/config"
	"anyrun/internal/usecase/anyrun"
	"anyrun/internal/usecase/watch"
)

// addFilterFlags binds the task filters shared by public, search and watch.
func addFilterFlags(fs *pflag.FlagSet, p *domain.SearchParams) {
	fs.BoolVar(&p.Private, "private", false, "include your private tasks (requires login)")
	fs.StringVar(&p.Hash, "hash", "", "main object hash")
	fs.StringSliceVar(&p.RunTypes, "run-type", nil, "run types: "+strings.Join(domain.RunTypes(), ", "))
	fs.StringVar(&p.Name, "name", "", "main object name")
	fs.StringSliceVar(&p.Verdicts, "verdict", nil, "verdicts: "+strings.Join(domain.Verdicts(), ", "))
	fs.StringSliceVar(&p.Extensions, "ext", nil, "extensions: "+strings.Join(domain.Extensions(), ", "))
	fs.StringVar(&p.IP, "ip", "", "contacted IP address")
	fs.StringVar(&p.Domain, "domain", "", "contacted domain")
	fs.StringVar(&p.FileHash, "file-hash", "", "hash of any file in the task")
	fs.StringVar(&p.MITREID, "mitre", "", "MITRE ATT&CK technique id")
	fs.IntVar(&p.SuricataSID, "sid", 0, "Suricata rule id")
	fs.BoolVar(&p.Significant, "significant", false, "only significant detections")
	fs.StringVar(&p.Tag, "tag", "", "task tag")
	fs.IntVar(&p.Skip, "skip", 0, "number of tasks to skip")
}

// taskArg accepts exactly one well-formed task UUID.
func taskArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	return domain.ValidateTaskUUID(args[0])
}

func publicCmd(flags *rootFlags) *cobra.Command {
	var (
		params  domain.SearchParams
		rawJSON bool
	)
	cmd := &cobra.Command{
		Use:   "public",
		Short: fmt.Sprintf("List the latest %d public tasks", domain.PublicTasksWindow),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listTasks(cmd.Context(), cmd.OutOrStdout(), flags, params, rawJSON, (*anyrun.Service).PublicTasks)
		},
	}
	addFilterFlags(cmd.Flags(), &params)
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print raw task documents")
	return cmd
}

func searchCmd(flags *rootFlags) *cobra.Command {
	var (
		params  domain.SearchParams
		rawJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search tasks by object, network or detection filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listTasks(cmd.Context(), cmd.OutOrStdout(), flags, params, rawJSON, (*anyrun.Service).Search)
		},
	}
	addFilterFlags(cmd.Flags(), &params)
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print raw task documents")
	return cmd
}

type listFunc func(*anyrun.Service, context.Context, domain.SearchParams) ([]domain.Task, error)

func listTasks(ctx context.Context, out io.Writer, flags *rootFlags, params domain.SearchParams, rawJSON bool, list listFunc) error {
	if _, err := params.Query(); err != nil {
		return err
	}
	a, err := newApp(ctx, flags, out)
	if err != nil {
		return err
	}
	defer a.close()

	svc, closeConn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	if params.Private {
		if err := a.login(ctx, svc); err != nil {
			return err
		}
	}
	rctx, cancel := a.requestContext(ctx)
	defer cancel()
	tasks, err := list(svc, rctx, params)
	if err != nil {
		return err
	}
	if rawJSON {
		docs := make([]json.RawMessage, len(tasks))
		for i, t := range tasks {
			docs[i] = t.Raw
		}
		return writeJSON(a.stdout, docs)
	}
	return a.out.Tasks(tasks)
}

func taskCmd(flags *rootFlags) *cobra.Command {
	var rawJSON bool
	cmd := &cobra.Command{
		Use:   "task UUID",
		Short: "Show one task",
		Args:  taskArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, out := cmd.Context(), cmd.OutOrStdout()
			a, err := newApp(ctx, flags, out)
			if err != nil {
				return err
			}
			defer a.close()

			svc, closeConn, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeConn()

			rctx, cancel := a.requestContext(ctx)
			defer cancel()
			task, err := svc.SingleTask(rctx, args[0])
			if err != nil {
				return err
			}
			if rawJSON {
				return writeJSON(a.stdout, task.Raw)
			}
			return a.out.Task(task)
		},
	}
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print the raw task document")
	return cmd
}

func iocCmd(flags *rootFlags) *cobra.Command {
	var rawJSON bool
	cmd := &cobra.Command{
		Use:   "ioc UUID",
		Short: "Show a task's indicators of compromise",
		Args:  taskArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, out := cmd.Context(), cmd.OutOrStdout()
			a, err := newApp(ctx, flags, out)
			if err != nil {
				return err
			}
			defer a.close()

			// The report is plain HTTP; no realtime session is needed.
			svc := anyrun.NewService(nil, a.downloads, a.cfg.Download.IoCURL, a.log)
			ioc, err := svc.IoC(ctx, args[0])
			if err != nil {
				return err
			}
			if rawJSON {
				return writeJSON(a.stdout, ioc.Raw)
			}
			return a.out.IoC(ioc)
		},
	}
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print the raw report")
	return cmd
}

func downloadCmd(flags *rootFlags) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "download UUID",
		Short: "Download a task's sample (requires login)",
		Args:  taskArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogin(cmd.Context(), cmd.OutOrStdout(), flags, func(ctx context.Context, a *app, svc *anyrun.Service) error {
				rctx, cancel := a.requestContext(ctx)
				task, err := svc.SingleTask(rctx, args[0])
				cancel()
				if err != nil {
					return err
				}
				path, err := svc.DownloadFile(ctx, task, destOr(dest, a.cfg))
				if err != nil {
					return err
				}
				return a.out.Saved(path)
			})
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination directory")
	return cmd
}

func downloadPcapCmd(flags *rootFlags) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "download-pcap UUID",
		Short: "Download a task's network capture (requires login)",
		Args:  taskArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogin(cmd.Context(), cmd.OutOrStdout(), flags, func(ctx context.Context, a *app, svc *anyrun.Service) error {
				path, err := svc.DownloadPcap(ctx, args[0], destOr(dest, a.cfg))
				if err != nil {
					return err
				}
				return a.out.Saved(path)
			})
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination directory")
	return cmd
}

// withLogin runs fn on a logged-in session and logs out afterwards.
func withLogin(ctx context.Context, out io.Writer, flags *rootFlags, fn func(context.Context, *app, *anyrun.Service) error) error {
	a, err := newApp(ctx, flags, out)
	if err != nil {
		return err
	}
	defer a.close()

	svc, closeConn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	if err := a.login(ctx, svc); err != nil {
		return err
	}
	defer func() {
		lctx, cancel := a.requestContext(context.WithoutCancel(ctx))
		defer cancel()
		if err := svc.Logout(lctx); err != nil {
			a.log.Debug("logout failed", "error", err)
		}
	}()
	return fn(ctx, a, svc)
}

func destOr(dest string, cfg *config.Config) string {
	if dest != "" {
		return dest
	}
	return cfg.Download.Dest
}

func watchCmd(flags *rootFlags) *cobra.Command {
	var (
		params   domain.SearchParams
		schedule string
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Report new public tasks on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, out := cmd.Context(), cmd.OutOrStdout()
			a, err := newApp(ctx, flags, out)
			if err != nil {
				return err
			}
			defer a.close()

			if schedule == "" {
				schedule = a.cfg.Watch.Schedule
			}
			store, err := taskstore.NewSQLiteStore(a.cfg.Watch.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			dial := func(ctx context.Context) (watch.Lister, func() error, error) {
				svc, closeConn, err := a.connect(ctx)
				if err != nil {
					return nil, nil, err
				}
				return svc, closeConn, nil
			}
			report := func(_ context.Context, runID string, fresh []domain.Task) {
				if err := a.out.Tasks(fresh); err != nil {
					a.log.Warn("print new tasks", "run_id", runID, "error", err)
				}
			}
			w, err := watch.New(watch.Options{
				Schedule:   schedule,
				Params:     params,
				RunTimeout: a.cfg.Client.DialTimeout + a.cfg.Client.RequestTimeout,
				Retention:  a.cfg.Watch.Retention,
			}, dial, store, report, a.log)
			if err != nil {
				return err
			}
			if once {
				_, err := w.RunOnce(ctx)
				return err
			}
			return w.Run(ctx)
		},
	}
	addFilterFlags(cmd.Flags(), &params)
	cmd.Flags().StringVar(&schedule, "schedule", "", `cron expression or interval, e.g. "*/10 * * * *" or "5m"`)
	cmd.Flags().BoolVar(&once, "once", false, "poll once and exit")
	return cmd
}

func encryptCmd(_ *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: `Encrypt a secret for the config file as an "enc:" value`,
		Long: `Encrypt reads a secret from the terminal and prints it encrypted with
the passphrase in $ANYRUN_CONFIG_KEY, ready to paste into auth.password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			passphrase := os.Getenv("ANYRUN_CONFIG_KEY")
			if passphrase == "" {
				return domain.NewDomainError("encrypt", domain.ErrInvalidInput, "ANYRUN_CONFIG_KEY is not set")
			}
			fmt.Fprint(os.Stderr, "Secret: ")
			secret, err := readPassword()
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
			}
			return encryptSecret(cmd.OutOrStdout(), secret, passphrase)
		},
	}
}

func encryptSecret(w io.Writer, secret, passphrase string) error {
	if secret == "" {
		return domain.NewDomainError("encrypt", domain.ErrInvalidInput, "empty secret")
	}
	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}
	_, err = fmt.Fprintf(w, "enc:%s\n", enc)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
