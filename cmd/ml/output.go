package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"migline/internal/domain"
	"migline/internal/repo"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printStatuses(items []domain.ScopeStatus) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("Scope", "State", "Version", "Latest", "Status", "Job", "Instance", "Error")
	for _, st := range items {
		state := st.State
		switch {
		case st.Stale:
			state += " (stale)"
		case st.Remote:
			state += " (remote)"
		}
		tw.AppendRow(table.Row{st.Scope, state, st.Version, st.LatestVersion, st.StatusName, st.JobID, st.InstanceID, st.LastError})
	}
	tw.Render()
	return nil
}

func printJobs(items []domain.Job) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Scope", "State", "From", "To", "Migrated", "Skipped", "Started", "Finished", "Error")
	for _, j := range items {
		tw.AppendRow(table.Row{j.ID, j.Scope, j.State, j.FromVersion, j.ToVersion, j.Migrated, j.Skipped, j.StartedAt, j.FinishedAt, j.Error})
	}
	tw.Render()
	return nil
}

func printJobMap(jobs map[string]domain.Job) error {
	scopes := make([]string, 0, len(jobs))
	for s := range jobs {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	items := make([]domain.Job, 0, len(scopes))
	for _, s := range scopes {
		items = append(items, jobs[s])
	}
	return printJobs(items)
}

func printPlugins(items []domain.Plugin) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("Version", "Name")
	for _, p := range items {
		tw.AppendRow(table.Row{p.TargetVersion, p.Name})
	}
	tw.Render()
	return nil
}

func printEvents(items []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "TS", "Type", "Scope", "Job", "Plugin", "Actor", "Payload")
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Scope, e.JobID, e.Plugin, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
}

type entityView struct {
	Scope      string `json:"scope"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Fields     any    `json:"fields"`
	UpdatedAt  string `json:"updated_at"`
}

func printEntities(items []repo.Entity) error {
	if viper.GetBool("json") {
		views := make([]entityView, 0, len(items))
		for _, e := range items {
			views = append(views, entityView{Scope: e.Scope, Collection: e.Collection, ID: e.ID, Fields: e.Fields, UpdatedAt: e.UpdatedAt})
		}
		return printJSON(views)
	}
	tw := newTable("Collection", "ID", "Field", "Type", "Unique", "Value")
	for _, e := range items {
		for _, f := range e.Fields {
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			var view struct {
				Value json.RawMessage `json:"value"`
			}
			if err := json.Unmarshal(data, &view); err != nil {
				return err
			}
			tw.AppendRow(table.Row{e.Collection, e.ID, f.Name(), f.Kind(), f.Unique(), truncate(string(view.Value), 60)})
		}
	}
	tw.Render()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}

func printf(format string, args ...any) {
	if viper.GetBool("json") {
		return
	}
	fmt.Printf(format, args...)
}
