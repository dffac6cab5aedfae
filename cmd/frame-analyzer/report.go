package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/process"
)

func newReportCmd(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Reading needs no privileges; give them up when started through sudo.
			dropped, err := process.DropPrivileges(cfg.DataDir)
			if err != nil {
				logger.Warn("Could not drop privileges", zap.Error(err))
			} else if dropped {
				logger.Debug("Dropped privileges", zap.Int("uid", os.Getuid()))
			}

			db, err := database.NewDB(cfg.DataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.Sessions(limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPID\tCOMM\tSTART\tDURATION\tFRAMES\tAVG FPS\tMAX MS\tJANK\tBIG JANK")
			for _, s := range sessions {
				summary, err := db.SessionSummary(s.ID)
				if err != nil {
					return err
				}
				duration := "running"
				if s.EndTime.Valid {
					duration = s.EndTime.Time.Sub(s.StartTime).Round(time.Second).String()
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%.1f\t%.1f\t%d\t%d\n",
					s.ID, s.PID, s.Comm, s.StartTime.Format(time.DateTime), duration,
					summary.Frames, summary.AverageFPS(),
					float64(summary.MaxFrametimeNs)/float64(time.Millisecond),
					summary.JankFrames, summary.BigJankFrames)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of sessions to show")
	return cmd
}
