package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/syncqueue"
	"github.com/cybertec-postgresql/scansync/internal/terminal"
)

// controller is the part of terminal.Agent the operator console drives
type controller interface {
	Produce(ctx context.Context, subjectID, subjectName string, payload map[string]any) (model.Record, error)
	AddStudent(ctx context.Context, s model.Student) (model.QueueItem, error)
	Flush(ctx context.Context, onProgress func(syncqueue.Progress)) syncqueue.Result
	ForceResync(ctx context.Context) (int, error)
	RetryDeadLetters(ctx context.Context) (int, error)
	Reconnect()
	Status(ctx context.Context) terminal.Status
}

const usage = `commands:
  <id>|<name>          record a scan (the decoder output)
  student <id>|<name>  add a directory entry
  flush                reconcile the queue now
  resync               re-send every stored record, ignoring the dedup ledger
  retry                re-queue dead letters
  reconnect            restart the reconnection schedule
  status               print the terminal status
  quit                 stop the terminal`

// splitSubject parses "id|name"; a bare value is taken as the id
func splitSubject(s string) (id, name string) {
	id, name, _ = strings.Cut(s, "|")
	return strings.TrimSpace(id), strings.TrimSpace(name)
}

// runCommands reads operator commands line by line. It reports whether quit was requested.
func runCommands(ctx context.Context, c controller, in io.Reader, out io.Writer) bool {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "help":
			fmt.Fprintln(out, usage)
		case "quit", "exit":
			return true
		case "flush":
			res := c.Flush(ctx, func(p syncqueue.Progress) {
				fmt.Fprintf(out, "progress: %d/%d processed, %d failed, %d remaining\n", p.Processed, p.Total, p.Failed, p.Remaining)
			})
			switch {
			case res.Skipped:
				fmt.Fprintln(out, "flush already running")
			case res.Interrupted:
				fmt.Fprintf(out, "flush interrupted: %d processed, %d remaining\n", res.Processed, res.Remaining)
			default:
				fmt.Fprintf(out, "flush done: %d processed, %d failed\n", res.Processed, res.Failed)
			}
		case "resync":
			n, err := c.ForceResync(ctx)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "re-queued %d records\n", n)
		case "retry":
			n, err := c.RetryDeadLetters(ctx)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "re-queued %d dead letters\n", n)
		case "reconnect":
			c.Reconnect()
			fmt.Fprintln(out, "reconnecting")
		case "status":
			data, err := json.MarshalIndent(c.Status(ctx), "", "  ")
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, string(data))
		case "student":
			id, name := splitSubject(arg)
			item, err := c.AddStudent(ctx, model.Student{ID: id, Name: name})
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "queued student %s\n", item.ID)
		default:
			id, name := splitSubject(line)
			rec, err := c.Produce(ctx, id, name, nil)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			state := "online"
			if rec.Offline {
				state = "offline"
			}
			fmt.Fprintf(out, "recorded %s (%s)\n", rec.ID, state)
		}
	}
	return false
}
