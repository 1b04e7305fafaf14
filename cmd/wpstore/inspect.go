package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/nainya/wpstore/pkg/txndb"
)

type inspectOutput struct {
	Dir                     string           `json:"dir"`
	Writes                  int              `json:"writes"`
	Prepared                int              `json:"prepared"`
	Committed               int              `json:"committed"`
	CommittedWithoutPrepare int              `json:"committed_without_prepare"`
	RolledBack              int              `json:"rolled_back"`
	PlainWrites             int              `json:"plain_writes"`
	LogOnly                 int              `json:"log_only"`
	PersistentStates        int              `json:"persistent_states"`
	Orphans                 int              `json:"orphans"`
	LastSequence            uint64           `json:"last_sequence"`
	Pending                 []pendingPrepare `json:"pending"`
}

type pendingPrepare struct {
	Name       string `json:"name"`
	Seq        uint64 `json:"seq"`
	SubBatches int    `json:"sub_batches"`
	Keys       int    `json:"keys"`
}

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the two-phase commit state of a WAL without opening it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := txndb.ScanWAL(conf.DataDir)
			if err != nil {
				return err
			}

			out := inspectOutput{
				Dir:                     conf.DataDir,
				Writes:                  s.Writes,
				Prepared:                s.Prepared,
				Committed:               s.Committed,
				CommittedWithoutPrepare: s.CommittedWithoutPrepare,
				RolledBack:              s.RolledBack,
				PlainWrites:             s.PlainWrites,
				LogOnly:                 s.LogOnly,
				PersistentStates:        s.PersistentStates,
				Orphans:                 s.Orphans,
				LastSequence:            s.LastSequence,
				Pending:                 []pendingPrepare{},
			}
			for _, p := range s.Pending {
				out.Pending = append(out.Pending, pendingPrepare{
					Name:       p.Name,
					Seq:        p.Seq,
					SubBatches: p.Count,
					Keys:       p.Keys,
				})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().String("data-dir", "", "override data-dir from the config")
	return cmd
}
