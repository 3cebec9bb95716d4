package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duochat/signal-server/internal/ui"
)

var (
	onlineExclude string
	onlineWatch   bool
)

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List participants available for matching",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if !onlineWatch {
			ids, err := a.Presence.ListAvailable(ctx, onlineExclude)
			if err != nil {
				return err
			}
			fmt.Println(ui.PresenceTable(ids))
			return nil
		}

		sub := a.Presence.Subscribe(ctx, onlineExclude, func(ids []string) {
			fmt.Println(ui.PresenceTable(ids))
		})
		defer sub.Cancel()

		<-ctx.Done()
		return nil
	},
}

func init() {
	onlineCmd.Flags().StringVar(&onlineExclude, "exclude", "", "participant to leave out of the list")
	onlineCmd.Flags().BoolVarP(&onlineWatch, "watch", "w", false, "print the list again on every change")
}
