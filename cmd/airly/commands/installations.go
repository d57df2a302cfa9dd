package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/airly-service/internal/client"
	"github.com/kjstillabower/airly-service/internal/models"
	"github.com/kjstillabower/airly-service/internal/validation"
)

// geoFlags holds the shared --lat/--lng/--max-distance flags.
type geoFlags struct {
	lat, lng    float64
	maxDistance float64
}

func (g *geoFlags) install(cmd *cobra.Command, withRadius bool) {
	cmd.Flags().Float64Var(&g.lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&g.lng, "lng", 0, "longitude in degrees")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	if withRadius {
		cmd.Flags().Float64Var(&g.maxDistance, "max-distance", 3, "search radius in kilometres")
	}
}

func (g *geoFlags) point() (models.GeoPoint, error) {
	return models.NewGeoPoint(g.lat, g.lng)
}

func (g *geoFlags) circle() (models.GeoCircle, error) {
	p, err := g.point()
	if err != nil {
		return models.GeoCircle{}, err
	}
	return models.NewGeoCircle(p, g.maxDistance)
}

func (a *App) installInstallationCmds() {
	a.cmd.AddCommand(&cobra.Command{
		Use:   "installation ID",
		Short: "Show an installation by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseInstallationID(args[0])
			if err != nil {
				return badUsage(err)
			}
			return call(a, cmd, "installation", func(ctx context.Context, c *client.Client) (models.Installation, error) {
				return c.GetInstallation(ctx, id)
			})
		},
	})

	var geo geoFlags
	var maxResults int
	nearest := &cobra.Command{
		Use:   "nearest",
		Short: "List installations nearest to a point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			circle, err := geo.circle()
			if err != nil {
				return badUsage(err)
			}
			if maxResults <= 0 {
				return badUsage(validation.ErrInvalidMaxResults)
			}
			return call(a, cmd, "installations/nearest", func(ctx context.Context, c *client.Client) ([]models.Installation, error) {
				return c.GetNearestInstallations(ctx, circle, maxResults)
			})
		},
	}
	geo.install(nearest, true)
	nearest.Flags().IntVar(&maxResults, "max-results", 1, "maximum number of installations")
	a.cmd.AddCommand(nearest)
}

func (a *App) installMetaCmds() {
	a.cmd.AddCommand(&cobra.Command{
		Use:   "indexes",
		Short: "List supported air quality indexes and their levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(a, cmd, "meta/indexes", func(ctx context.Context, c *client.Client) ([]models.IndexType, error) {
				return c.GetIndexes(ctx)
			})
		},
	})
	a.cmd.AddCommand(&cobra.Command{
		Use:   "measurement-types",
		Short: "List measurement types with labels and units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(a, cmd, "meta/measurements", func(ctx context.Context, c *client.Client) ([]models.MeasurementType, error) {
				return c.GetMeasurementTypes(ctx)
			})
		},
	})
}
