package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/config"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/pkg/client"
)

// command implements the client subcommands against a running daemon.
type command struct {
	flags *GlobalFlags
}

func (c command) api() (*client.Client, error) {
	u, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: u, Timeout: c.flags.APITimeout}), nil
}

// apiURL prefers --api-url, then the [server] section of --config.
func (c command) apiURL() (string, error) {
	if c.flags.APIUrl != "" {
		return c.flags.APIUrl, nil
	}
	if c.flags.ConfigPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	return baseURLFor(cfg.Server.Listen, cfg.Server.BasePath)
}

func baseURLFor(listen, basePath string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("server.listen %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + basePath, nil
}

func (c command) Start(w io.Writer, id string, flags StartFlags) error {
	dir, err := absDir(flags.Dir)
	if err != nil {
		return err
	}
	cl, err := c.api()
	if err != nil {
		return err
	}
	port, err := cl.Start(id, dir)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "%s running on http://localhost:%d\n", id, port)
	return nil
}

func (c command) Stop(w io.Writer, id string, flags StopFlags) error {
	cl, err := c.api()
	if err != nil {
		return err
	}
	if err := cl.Stop(id, flags.Force); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "%s stopped\n", id)
	return nil
}

func (c command) Restart(w io.Writer, id string, flags StartFlags) error {
	dir := ""
	if flags.Dir != "" {
		d, err := absDir(flags.Dir)
		if err != nil {
			return err
		}
		dir = d
	}
	cl, err := c.api()
	if err != nil {
		return err
	}
	port, err := cl.Restart(id, dir)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "%s running on http://localhost:%d\n", id, port)
	return nil
}

func (c command) Status(w io.Writer, id string) error {
	cl, err := c.api()
	if err != nil {
		return err
	}
	if id != "" {
		info, err := cl.Project(id)
		if err != nil {
			return err
		}
		return printJSON(w, info)
	}
	list, err := cl.Projects()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROJECT\tSTATE\tPORT\tPID\tHEALTH\tACTIVE")
	for _, p := range list {
		hl := "-"
		if p.Health != nil {
			hl = "unhealthy"
			if p.Health.Healthy {
				hl = "healthy"
			}
		}
		active := ""
		if p.Active {
			active = "*"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", p.ID, p.State, p.Port, p.PID, hl, active)
	}
	return tw.Flush()
}

func (c command) Logs(w io.Writer, id string, flags LogsFlags) error {
	cl, err := c.api()
	if err != nil {
		return err
	}
	lines, err := cl.Output(id, flags.Limit)
	if err != nil {
		return err
	}
	for _, l := range lines {
		_, _ = fmt.Fprintln(w, l.Text)
	}
	return nil
}

// Follow prints output lines as they arrive and one line per lifecycle event.
func (c command) Follow(ctx context.Context, w io.Writer, id string, flags LogsFlags) error {
	if err := c.Logs(w, id, flags); err != nil {
		return err
	}
	cl, err := c.api()
	if err != nil {
		return err
	}
	return cl.Follow(ctx, id, func(e events.Event) { _, _ = fmt.Fprintln(w, formatEvent(e)) })
}

func formatEvent(e events.Event) string {
	switch e.Type {
	case events.Output:
		return e.Line
	case events.StatusChanged:
		return fmt.Sprintf("-- %s: %s", e.Type, e.State)
	case events.Ready:
		return fmt.Sprintf("-- %s: http://localhost:%d", e.Type, e.Port)
	case events.Error:
		if e.Fatal {
			return fmt.Sprintf("-- %s (fatal): %s", e.Type, e.Message)
		}
		return fmt.Sprintf("-- %s: %s", e.Type, e.Message)
	case events.Crashed:
		return fmt.Sprintf("-- %s: exit %d %s (crash %d)", e.Type, e.ExitCode, e.Signal, e.CrashCount)
	default:
		if e.Health != nil {
			return fmt.Sprintf("-- %s: healthy=%t failures=%d", e.Type, e.Health.Healthy, e.Health.ConsecutiveFailures)
		}
		return fmt.Sprintf("-- %s", e.Type)
	}
}

func (c command) Health(w io.Writer, id string, flags HealthFlags) error {
	cl, err := c.api()
	if err != nil {
		return err
	}
	st, err := cl.Health(id, flags.Check)
	if err != nil {
		return err
	}
	return printJSON(w, st)
}

func (c command) Active(w io.Writer, id string, flags ActiveFlags) error {
	cl, err := c.api()
	if err != nil {
		return err
	}
	switch {
	case flags.Clear:
		return cl.SetActive("")
	case id != "":
		return cl.SetActive(id)
	}
	active, err := cl.Active()
	if err != nil {
		return err
	}
	if active == "" {
		active = "(none)"
	}
	_, _ = fmt.Fprintln(w, active)
	return nil
}

func absDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
