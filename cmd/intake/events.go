package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cdcw/intake/pkg/intake"
)

var (
	serviceShower  bool
	serviceLaundry bool
	serviceMeals   int
	serviceKits    int

	anonymousMeals int

	clothingQuantity int

	registerName           string
	registerHealthcare     bool
	registerSeasonalNight  bool
	registerSustainability bool
)

var logServiceCmd = &cobra.Command{
	Use:   "log-service <guest-id>",
	Short: "Queue services used by a guest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services := intake.Services{
			Shower:      serviceShower,
			Laundry:     serviceLaundry,
			Meals:       serviceMeals,
			HygieneKits: serviceKits,
		}
		return enqueueAndSync(cmd, func(ctx context.Context, st *intake.Station) (intake.Item, error) {
			return st.LogService(ctx, args[0], services)
		})
	},
}

var anonymousCmd = &cobra.Command{
	Use:   "anonymous",
	Short: "Queue meals served to a guest without a card",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueAndSync(cmd, func(ctx context.Context, st *intake.Station) (intake.Item, error) {
			return st.LogAnonymous(ctx, anonymousMeals)
		})
	},
}

var clothingCmd = &cobra.Command{
	Use:   "clothing <guest-id>",
	Short: "Queue a clothing purchase against the guest's budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueAndSync(cmd, func(ctx context.Context, st *intake.Station) (intake.Item, error) {
			item, remaining, err := st.PurchaseClothing(ctx, args[0], clothingQuantity)
			if err != nil {
				return item, err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Remaining budget: %d\n", remaining)
			return item, nil
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <guest-id>",
	Short: "Queue a guest registration or profile update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := intake.Profile{
			ID: args[0],
			Programs: intake.Programs{
				Healthcare:     registerHealthcare,
				SeasonalNight:  registerSeasonalNight,
				Sustainability: registerSustainability,
			},
		}
		if cmd.Flags().Changed("name") {
			p.Name = &registerName
		}
		return enqueueAndSync(cmd, func(ctx context.Context, st *intake.Station) (intake.Item, error) {
			return st.RegisterGuest(ctx, p)
		})
	},
}

var replaceCardCmd = &cobra.Command{
	Use:   "replace-card <old-id> <new-id>",
	Short: "Queue a lost-card replacement",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueAndSync(cmd, func(ctx context.Context, st *intake.Station) (intake.Item, error) {
			return st.ReplaceCard(ctx, args[0], args[1])
		})
	},
}

func init() {
	logServiceCmd.Flags().BoolVar(&serviceShower, "shower", false, "Guest showered")
	logServiceCmd.Flags().BoolVar(&serviceLaundry, "laundry", false, "Guest used laundry")
	logServiceCmd.Flags().IntVar(&serviceMeals, "meals", 0, "Meals served")
	logServiceCmd.Flags().IntVar(&serviceKits, "hygiene-kits", 0, "Hygiene kits handed out")

	anonymousCmd.Flags().IntVar(&anonymousMeals, "meals", 1, "Meals served")

	clothingCmd.Flags().IntVar(&clothingQuantity, "quantity", 1, "Felton Bucks to spend")

	registerCmd.Flags().StringVar(&registerName, "name", "", "Guest name (omit for anonymous)")
	registerCmd.Flags().BoolVar(&registerHealthcare, "healthcare", false, "Enrolled in healthcare")
	registerCmd.Flags().BoolVar(&registerSeasonalNight, "seasonal-night", false, "Enrolled in seasonal night")
	registerCmd.Flags().BoolVar(&registerSustainability, "sustainability", false, "Enrolled in sustainability")
}

// enqueueAndSync queues one event, then waits for a delivery attempt so the
// process does not exit mid-request.
func enqueueAndSync(cmd *cobra.Command, fn func(ctx context.Context, st *intake.Station) (intake.Item, error)) error {
	return withStation(cmd, func(ctx context.Context, st *intake.Station) error {
		item, err := fn(ctx, st)
		if err != nil {
			return err
		}
		status := st.SyncNow(ctx)

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":     item.ID,
				"action": item.Action,
				"status": status,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s\n", item.Action, item.ID)
		return printStatus(cmd.OutOrStdout(), status)
	})
}
