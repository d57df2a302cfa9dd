package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/airly-service/internal/client"
	"github.com/kjstillabower/airly-service/internal/models"
	"github.com/kjstillabower/airly-service/internal/validation"
)

func (a *App) installMeasurementsCmd() {
	var indexType string
	parent := &cobra.Command{
		Use:   "measurements",
		Short: "Fetch current, historical and forecast measurements",
		Args:  cobra.NoArgs,
	}
	parent.PersistentFlags().StringVar(&indexType, "index-type", models.IndexAirlyCAQI, "index type: AIRLY_CAQI, CAQI, PIJP, US_AQI or GIOS")

	var includeWind bool
	byInstallation := &cobra.Command{
		Use:   "installation ID",
		Short: "Measurements for an installation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseInstallationID(args[0])
			if err != nil {
				return badUsage(err)
			}
			idx, err := validation.ParseIndexType(indexType)
			if err != nil {
				return badUsage(err)
			}
			return call(a, cmd, "measurements/installation", func(ctx context.Context, c *client.Client) (models.Measurements, error) {
				return c.GetInstallationMeasurements(ctx, id, idx, includeWind)
			})
		},
	}
	byInstallation.Flags().BoolVar(&includeWind, "include-wind", false, "include wind speed and bearing")

	var nearestGeo geoFlags
	nearest := &cobra.Command{
		Use:   "nearest",
		Short: "Measurements from the installation nearest to a point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			circle, err := nearestGeo.circle()
			if err != nil {
				return badUsage(err)
			}
			idx, err := validation.ParseIndexType(indexType)
			if err != nil {
				return badUsage(err)
			}
			return call(a, cmd, "measurements/nearest", func(ctx context.Context, c *client.Client) (models.Measurements, error) {
				return c.GetNearestMeasurements(ctx, circle, idx)
			})
		},
	}
	nearestGeo.install(nearest, true)

	var pointGeo geoFlags
	point := &cobra.Command{
		Use:   "point",
		Short: "Measurements interpolated for a point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pointGeo.point()
			if err != nil {
				return badUsage(err)
			}
			idx, err := validation.ParseIndexType(indexType)
			if err != nil {
				return badUsage(err)
			}
			return call(a, cmd, "measurements/point", func(ctx context.Context, c *client.Client) (models.Measurements, error) {
				return c.GetPointMeasurements(ctx, p, idx)
			})
		},
	}
	pointGeo.install(point, false)

	parent.AddCommand(byInstallation, nearest, point)
	a.cmd.AddCommand(parent)
}
