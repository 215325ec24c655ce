package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"tetra3d/internal/client"
	"tetra3d/internal/pb"
	"tetra3d/internal/solver"
)

// Centroids from a 1024x768 test frame, as (y, x).
var centroids = [][2]float64{
	{616.895, 528.342}, {433.709, 553.614}, {581.358, 920.476},
	{682.187, 474.311}, {493.610, 465.951}, {301.412, 581.112},
	{125.019, 924.384}, {736.228, 334.872}, {734.000, 1001.650},
	{459.419, 324.615}, {358.651, 459.774}, {34.464, 95.481},
	{292.661, 714.715}, {51.613, 853.937}, {404.596, 400.519},
	{38.560, 1013.460}, {126.645, 534.583}, {671.500, 678.626},
	{147.357, 10.334}, {32.093, 135.451}, {35.331, 607.451},
	{268.499, 574.395}, {501.656, 639.474}, {495.555, 269.554},
	{555.537, 375.461}, {628.456, 101.276},
}

func main() {
	addr := flag.String("addr", "localhost:50051", "server address, host:port or unix:///path")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for the server")
	flag.Parse()

	fmt.Println("🔭 Testing tetra3d plate solving")

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	c, err := client.Dial(ctx, *addr)
	cancel()
	if err != nil {
		log.Fatal("Failed to connect:", err)
	}
	defer c.Close()
	fmt.Printf("✅ Connected to %s\n", *addr)

	req := &pb.SolveRequest{
		ImageWidth:           1024,
		ImageHeight:          768,
		FovEstimate:          pb.Some(11.0),
		ReturnRotationMatrix: true,
		TargetPixels:         []*pb.ImageCoord{{X: 512, Y: 384}},
	}
	for _, yx := range centroids {
		req.StarCentroids = append(req.StarCentroids, &pb.ImageCoord{X: yx[1], Y: yx[0]})
	}

	callCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Warm up the connection, then time a second call.
	if _, err := c.SolveFromCentroids(callCtx, req); err != nil {
		log.Fatal("Warm-up solve failed:", err)
	}
	start := time.Now()
	res, err := c.SolveFromCentroids(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		log.Fatal("Solve failed:", err)
	}

	fmt.Printf("📊 Result: %s\n", solver.Describe(res))
	solveMS := res.SolveTime.AsSeconds() * 1000
	totalMS := float64(elapsed) / float64(time.Millisecond)
	fmt.Printf("⏱️  Time total=solve+RPC %.2f=%.2f+%.2f ms\n", totalMS, solveMS, totalMS-solveMS)

	if res.RotationMatrix == nil {
		fmt.Println("⚠️  No solution, skipping coordinate transform")
		return
	}

	tr, err := c.TransformCoordinates(callCtx, &pb.TransformRequest{
		RotationMatrix: res.RotationMatrix,
		ImageWidth:     req.ImageWidth,
		ImageHeight:    req.ImageHeight,
		Fov:            res.Fov.OrElse(11),
		Distortion:     res.Distortion,
		ImageCoords:    []*pb.ImageCoord{{X: 512, Y: 384}},
	})
	if err != nil {
		log.Fatal("Transform failed:", err)
	}
	sky := tr.CelestialCoords[0]
	fmt.Printf("🎯 Image center -> ra=%.4f dec=%.4f\n", sky.Ra, sky.Dec)
	if len(res.TargetCoords) == 1 {
		fmt.Printf("   Solver target  -> ra=%.4f dec=%.4f\n", res.TargetCoords[0].Ra, res.TargetCoords[0].Dec)
	}

	cr, err := c.CancelSolve(callCtx, &pb.CancelRequest{})
	if err != nil {
		log.Fatal("CancelSolve failed:", err)
	}
	fmt.Printf("✅ CancelSolve answered (cancelled=%t)\n", cr.Cancelled)
}
