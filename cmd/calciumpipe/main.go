package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"calciumpipe/pkg/dispatch"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/run"
)

func main() {
	dataPath := flag.String("data", "", "Directory containing the raw acquisition (comma-separated for multiple)")
	opsFile := flag.String("ops", "", "YAML file with ops overrides")
	savePath := flag.String("save", "", "Save root (default: derived from the input location)")
	nPlanes := flag.Int("planes", 0, "Number of imaging planes")
	nChannels := flag.Int("channels", 0, "Number of channels")
	fs := flag.Float64("fs", 0, "Sampling rate per plane (Hz)")
	tau := flag.Float64("tau", 0, "Sensor decay time constant (s)")
	doRegistration := flag.Int("registration", -1, "0=skip, 1=run if needed, 2=force re-registration")
	roiDetect := flag.Int("roidetect", -1, "0=skip detection, 1=run or use cache, 2=force recomputation")
	inputFormat := flag.String("format", "", "Input format (tif, binary, h5, nwb, mesoscan, nd2, dcimg, movie)")
	ignoreFlyback := flag.String("ignore-flyback", "", "Comma-separated plane indices to skip")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	o := ops.Default()
	if *opsFile != "" {
		if err := o.LoadYAMLFile(*opsFile); err != nil {
			log.Error("loading ops overrides", "error", err)
			os.Exit(1)
		}
	}

	// flags are the selection layer: they win over the overrides file
	if *dataPath != "" {
		o.DataPath = strings.Split(*dataPath, ",")
	}
	if *savePath != "" {
		o.SavePath0 = *savePath
	}
	if *nPlanes > 0 {
		o.NPlanes = *nPlanes
	}
	if *nChannels > 0 {
		o.NChannels = *nChannels
	}
	if *fs > 0 {
		o.Fs = *fs
	}
	if *tau > 0 {
		o.Tau = *tau
	}
	if *doRegistration >= 0 {
		o.DoRegistration = *doRegistration
	}
	if *roiDetect >= 0 {
		o.RoiDetect = *roiDetect
	}
	if *inputFormat != "" {
		o.InputFormat = *inputFormat
	}
	if *ignoreFlyback != "" {
		for _, s := range strings.Split(*ignoreFlyback, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				log.Error("bad -ignore-flyback value", "value", s)
				os.Exit(1)
			}
			o.IgnoreFlyback = append(o.IgnoreFlyback, idx)
		}
	}

	if len(o.DataPath) == 0 && o.H5Py == "" && o.NWBFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var server *dispatch.ServerParams
	if o.MultiplaneParallel {
		server = &dispatch.ServerParams{}
	}

	last, err := run.New().Run(o, server)
	if err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}
	if last == nil {
		fmt.Println("planes dispatched to workers")
		return
	}
	fmt.Printf("processing completed in %.2f sec\n", last.Timing["total_plane_runtime"])
	for stage, sec := range last.Timing {
		fmt.Printf("  %-24s %8.2f sec\n", stage, sec)
	}
}
