package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/EternisAI/remote-control/internal/audit"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/conn"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type printer struct {
	format string
	w      io.Writer
}

func (p printer) structured(v any) (bool, error) {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		// Round-trip through JSON so keys and enum names match the API.
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return true, err
		}
		return true, enc.Close()
	case formatText, "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (valid: text, json, yaml)", p.format)
	}
}

func (p printer) info(info conn.Info) error {
	if done, err := p.structured(info); done {
		return err
	}
	_, err := fmt.Fprintf(p.w, "Connected to %s (agent %s, session %s)\n", info.Endpoint, info.AgentName, info.SessionID)
	return err
}

func (p printer) result(res *command.Result) error {
	if done, err := p.structured(res); done {
		return err
	}

	switch {
	case res.Status == command.StatusTimedOut:
		_, err := fmt.Fprintf(p.w, "Request %d timed out\n", res.RequestID)
		return err
	case res.Status == command.StatusFailed && res.Error != nil:
		_, err := fmt.Fprintf(p.w, "Failed: %s\n", res.Error.Error())
		return err
	case res.Launch != nil:
		_, err := fmt.Fprintf(p.w, "%s (pid %d)\n", res.Launch.Message, res.Launch.PID)
		return err
	case res.Listing != nil:
		return p.listing(res.Listing)
	case res.Shutdown != nil:
		at := res.Shutdown.ScheduledAt
		_, err := fmt.Fprintf(p.w, "Shutdown scheduled at %s (in %s)\n",
			at.Local().Format(time.RFC3339), time.Until(at).Round(time.Second))
		return err
	default:
		_, err := fmt.Fprintf(p.w, "%s\n", res.Status)
		return err
	}
}

func (p printer) listing(l *command.DirectoryListing) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tSIZE\tMODIFIED")
	for _, e := range l.Entries {
		kind := "file"
		if e.IsDir {
			kind = "dir"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Name, kind, e.Size, e.ModTime.Local().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if l.Truncated {
		_, err := fmt.Fprintf(p.w, "(listing of %s truncated at %d entries)\n", l.Path, len(l.Entries))
		return err
	}
	return nil
}

func (p printer) entries(entries []audit.Entry) error {
	if done, err := p.structured(entries); done {
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tENDPOINT\tKIND\tREQUEST\tSTATUS\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format(time.RFC3339), e.Endpoint, e.Kind, e.RequestID, e.Status, e.Reason)
	}
	return tw.Flush()
}
