package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tetra3d/internal/fsutil"
	"tetra3d/internal/pb"
	"tetra3d/internal/solver"
)

func newSolveCmd(root *Root) *cobra.Command {
	var (
		width, height int32
		fovEstimate   float64
		fovMaxError   float64
		distortion    float64
		timeout       time.Duration
		targetPixels  []string
		targetSky     []string
		withMatches   bool
		withCatalog   bool
		withMatrix    bool
		warmup        bool
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "solve <centroids-file>",
		Short: "Plate-solve a list of star centroids",
		Long: `Read star centroids from a file and ask the server for a solution. The file
is either a JSON array of {"x":..,"y":..} objects or one "x y" pair per line.

Examples:
  tetra3d solve stars.txt --width 1024 --height 768 --fov 11
  tetra3d solve stars.json --width 1280 --height 960 --target-pixel 640,480 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			centroids, err := fsutil.LoadCentroids(args[0])
			if err != nil {
				return err
			}

			req := &pb.SolveRequest{
				StarCentroids:        centroids,
				ImageWidth:           width,
				ImageHeight:          height,
				ReturnMatches:        withMatches,
				ReturnCatalog:        withCatalog,
				ReturnRotationMatrix: withMatrix,
			}
			flags := cmd.Flags()
			if flags.Changed("fov") {
				req.FovEstimate = pb.Some(fovEstimate)
			}
			if flags.Changed("fov-max-error") {
				req.FovMaxError = pb.Some(fovMaxError)
			}
			if flags.Changed("distortion") {
				req.Distortion = pb.Some(distortion)
			}
			if flags.Changed("timeout") {
				req.SolveTimeout = pb.NewDuration(timeout)
			}
			for _, s := range targetPixels {
				x, y, err := parsePair(s)
				if err != nil {
					return fmt.Errorf("--target-pixel: %w", err)
				}
				req.TargetPixels = append(req.TargetPixels, &pb.ImageCoord{X: x, Y: y})
			}
			for _, s := range targetSky {
				ra, dec, err := parsePair(s)
				if err != nil {
					return fmt.Errorf("--target-sky: %w", err)
				}
				req.TargetSkyCoords = append(req.TargetSkyCoords, &pb.CelestialCoord{Ra: ra, Dec: dec})
			}

			ctx := cmd.Context()
			c, err := root.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			// The first call on a fresh connection pays for connection setup.
			if warmup {
				if _, err := c.SolveFromCentroids(ctx, req); err != nil {
					return fmt.Errorf("warm-up solve: %w", err)
				}
			}

			start := time.Now()
			res, err := c.SolveFromCentroids(ctx, req)
			elapsed := time.Since(start)
			if err != nil {
				return fmt.Errorf("solve: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, solver.Describe(res))
				printTargets(out, res)
			}
			solveTime := res.SolveTime.AsSeconds() * 1000
			total := float64(elapsed) / float64(time.Millisecond)
			fmt.Fprintf(out, "Time total=solve+RPC %.2f=%.2f+%.2f ms\n", total, solveTime, total-solveTime)
			return nil
		},
	}

	f := cmd.Flags()
	f.Int32Var(&width, "width", 0, "image width in pixels (required)")
	f.Int32Var(&height, "height", 0, "image height in pixels (required)")
	f.Float64Var(&fovEstimate, "fov", 0, "horizontal field of view estimate in degrees")
	f.Float64Var(&fovMaxError, "fov-max-error", 0, "maximum error of --fov in degrees")
	f.Float64Var(&distortion, "distortion", 0, "radial distortion coefficient")
	f.DurationVar(&timeout, "timeout", 0, "solve timeout (server default when unset)")
	f.StringArrayVar(&targetPixels, "target-pixel", nil, "image position x,y to convert to sky coordinates (repeatable)")
	f.StringArrayVar(&targetSky, "target-sky", nil, "sky position ra,dec to convert to image coordinates (repeatable)")
	f.BoolVar(&withMatches, "matches", false, "return matched stars")
	f.BoolVar(&withCatalog, "catalog", false, "return catalog stars in view")
	f.BoolVar(&withMatrix, "rotation-matrix", false, "return the rotation matrix")
	f.BoolVar(&warmup, "warmup", false, "make one untimed call first")
	f.BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.MarkFlagRequired("width")
	cmd.MarkFlagRequired("height")

	return cmd
}

func printTargets(w io.Writer, res *pb.SolveResult) {
	for i, c := range res.TargetCoords {
		fmt.Fprintf(w, "target %d: ra=%.4f dec=%.4f\n", i, c.Ra, c.Dec)
	}
	for i, p := range res.TargetSkyToImageCoords {
		fmt.Fprintf(w, "target %d: x=%.2f y=%.2f\n", i, p.X, p.Y)
	}
}

func newTransformCmd(root *Root) *cobra.Command {
	var (
		matrix        string
		width, height int32
		fov           float64
		distortion    float64
		pixels        []string
		sky           []string
	)

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Convert between image and sky coordinates",
		Long: `Convert image positions to sky coordinates and back, given the rotation
matrix, field of view and distortion of an earlier solve.

Example:
  tetra3d transform --matrix 1,0,0,0,1,0,0,0,1 --width 1024 --height 768 --fov 11 --pixel 512,384`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			elements, err := parseMatrix(matrix)
			if err != nil {
				return err
			}
			req := &pb.TransformRequest{
				RotationMatrix: &pb.RotationMatrix{MatrixElements: elements},
				ImageWidth:     width,
				ImageHeight:    height,
				Fov:            fov,
			}
			if cmd.Flags().Changed("distortion") {
				req.Distortion = pb.Some(distortion)
			}
			for _, s := range pixels {
				x, y, err := parsePair(s)
				if err != nil {
					return fmt.Errorf("--pixel: %w", err)
				}
				req.ImageCoords = append(req.ImageCoords, &pb.ImageCoord{X: x, Y: y})
			}
			for _, s := range sky {
				ra, dec, err := parsePair(s)
				if err != nil {
					return fmt.Errorf("--sky: %w", err)
				}
				req.CelestialCoords = append(req.CelestialCoords, &pb.CelestialCoord{Ra: ra, Dec: dec})
			}

			ctx := cmd.Context()
			c, err := root.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.TransformCoordinates(ctx, req)
			if err != nil {
				return fmt.Errorf("transform: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	f := cmd.Flags()
	f.StringVar(&matrix, "matrix", "", "nine comma-separated rotation matrix elements, row-major (required)")
	f.Int32Var(&width, "width", 0, "image width in pixels (required)")
	f.Int32Var(&height, "height", 0, "image height in pixels (required)")
	f.Float64Var(&fov, "fov", 0, "horizontal field of view in degrees (required)")
	f.Float64Var(&distortion, "distortion", 0, "radial distortion coefficient")
	f.StringArrayVar(&pixels, "pixel", nil, "image position x,y (repeatable)")
	f.StringArrayVar(&sky, "sky", nil, "sky position ra,dec (repeatable)")
	cmd.MarkFlagRequired("matrix")
	cmd.MarkFlagRequired("width")
	cmd.MarkFlagRequired("height")
	cmd.MarkFlagRequired("fov")

	return cmd
}

func parseMatrix(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 9 {
		return nil, fmt.Errorf("--matrix needs 9 elements, got %d", len(parts))
	}
	elements := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("--matrix element %d: %w", i, err)
		}
		elements[i] = v
	}
	return elements, nil
}

func newCancelCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the solve the server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := root.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.CancelSolve(ctx, &pb.CancelRequest{})
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			if resp.Cancelled {
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled the solve in flight")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no solve in flight")
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
