// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/tenantdb/config"
	"github.com/cardinalhq/tenantdb/identitydb"
	"github.com/cardinalhq/tenantdb/internal/uow"
)

func init() {
	var (
		tenant string
		output string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show outbox and inbox depth per tenant",
		RunE: func(c *cobra.Command, _ []string) error {
			if output != "table" && output != "yaml" {
				return fmt.Errorf("unknown output format %q", output)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context(), time.Minute)
			defer cancel()

			pool, err := connectOperational(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			factory := uow.NewFactory(uow.NewPoolProvider(pool))

			var tenants []identitydb.TenantID
			if tenant != "" {
				id, err := parseTenant(tenant)
				if err != nil {
					return err
				}
				tenants = []identitydb.TenantID{id}
			} else if tenants, err = identitydb.ListTenants(ctx, factory); err != nil {
				return err
			}

			rows := make([]tenantStatus, 0, len(tenants))
			for _, t := range tenants {
				st := tenantStatus{Tenant: t}
				if st.Outbox, err = identitydb.NewOutbox(factory, t).OutboxStatus(ctx); err != nil {
					return fmt.Errorf("outbox status for %s: %w", t, err)
				}
				if st.Inbox, err = identitydb.NewInbox(factory, t).PopStatus(ctx); err != nil {
					return fmt.Errorf("inbox status for %s: %w", t, err)
				}
				rows = append(rows, st)
			}
			if output == "yaml" {
				return writeStatusYAML(c.OutOrStdout(), rows)
			}
			renderStatus(c.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Only report this tenant id")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or yaml")

	rootCmd.AddCommand(cmd)
}

type tenantStatus struct {
	Tenant identitydb.TenantID
	Outbox identitydb.OutboxStatus
	Inbox  identitydb.PopStatus
}

var statusHeaders = []string{"Tenant", "Outbox", "Checked Out", "Next Run", "Inbox", "Popped", "Oldest Pop"}

func (s tenantStatus) row() []string {
	return []string{
		s.Tenant.String(),
		strconv.FormatInt(s.Outbox.Total, 10),
		strconv.FormatInt(s.Outbox.CheckedOut, 10),
		formatTime(s.Outbox.NextRunTime),
		strconv.FormatInt(s.Inbox.Total, 10),
		strconv.FormatInt(s.Inbox.Popped, 10),
		formatTime(s.Inbox.OldestPopped),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func renderStatus(w io.Writer, rows []tenantStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(statusHeaders)
	for _, r := range rows {
		table.Append(r.row())
	}
	table.Render()
}

type statusDoc struct {
	Tenant string    `yaml:"tenant"`
	Outbox outboxDoc `yaml:"outbox"`
	Inbox  inboxDoc  `yaml:"inbox"`
}

type outboxDoc struct {
	Total       int64      `yaml:"total"`
	CheckedOut  int64      `yaml:"checkedOut"`
	NextRunTime *time.Time `yaml:"nextRunTime,omitempty"`
}

type inboxDoc struct {
	Total        int64      `yaml:"total"`
	Popped       int64      `yaml:"popped"`
	OldestPopped *time.Time `yaml:"oldestPopped,omitempty"`
}

func writeStatusYAML(w io.Writer, rows []tenantStatus) error {
	docs := make([]statusDoc, len(rows))
	for i, r := range rows {
		docs[i] = statusDoc{
			Tenant: r.Tenant.String(),
			Outbox: outboxDoc{Total: r.Outbox.Total, CheckedOut: r.Outbox.CheckedOut, NextRunTime: r.Outbox.NextRunTime},
			Inbox:  inboxDoc{Total: r.Inbox.Total, Popped: r.Inbox.Popped, OldestPopped: r.Inbox.OldestPopped},
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(docs); err != nil {
		return err
	}
	return enc.Close()
}
