package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ravens/internal/models"
	"ravens/pkg/config"
	"ravens/pkg/pipeline"
	"ravens/pkg/registration"
)

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "Subject T1 intensity volume (NIfTI)")
	seg := flag.String("seg", "", "Tissue segmentation volume (NIfTI)")
	labelSpec := flag.String("labels", "", "Comma-separated labels to process (e.g. 1,2 or GM,WM)")
	template := flag.String("template", "", "Population template volume (NIfTI)")
	outDir := flag.String("out", "", "Output directory")
	prefix := flag.String("prefix", "", "Output filename prefix")
	profileName := flag.String("profile", "", "Registration profile (default: default)")
	backendName := flag.String("backend", "", "Registration backend: classical | alternative (default: classical)")
	dictPath := flag.String("dict", "", "Label-to-name dictionary CSV (default: not used)")
	icvPath := flag.String("icv", "", "Intracranial-volume mask (default: derived from segmentation)")
	invert := flag.Bool("invert", false, "Invert subject image intensities before registration")
	cleanup := flag.Bool("cleanup", false, "Delete intermediate artifacts after a verified run")
	qc := flag.Bool("qc", false, "Export registration QC snapshots")
	atlasDir := flag.String("atlas-dir", "", "Factorization atlas directory (default: projection disabled)")
	components := flag.Int("components", 0, "Number of atlas components (default: 64)")
	resample := flag.Float64("resample", 0, "Isotropic resampling spacing in mm (default: 2.0)")
	projectLabel := flag.String("project-label", "", "Label whose density map is projected (default: first label)")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	flag.Parse()

	// Validate required arguments
	if *input == "" || *seg == "" || *labelSpec == "" || *template == "" || *outDir == "" {
		fmt.Fprintln(os.Stderr, "required: -input, -seg, -labels, -template, -out")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags override the configuration file.
	if *backendName != "" {
		cfg.Registration.Backend = *backendName
	}
	if *profileName != "" {
		cfg.Registration.Profile = *profileName
	}
	if *atlasDir != "" {
		cfg.Projection.AtlasDir = *atlasDir
	}
	if *components != 0 {
		cfg.Projection.Components = *components
	}
	if *resample != 0 {
		cfg.Projection.ResampleSpacing = *resample
	}
	if *cleanup {
		cfg.Output.Cleanup = true
	}
	if *qc {
		cfg.Output.QCSnapshots = true
	}
	cfg.Registration.Tools.VolumeExt = cfg.Pipeline.VolumeExt

	// Resolve backend and profile up front so bad names fail before any
	// expensive computation starts.
	profile, err := registration.LookupProfile(cfg.Registration.Profile, cfg.Registration.Profiles)
	if err != nil {
		log.Fatalf("%v", err)
	}
	backend, err := registration.NewBackend(cfg.Registration.Backend, cfg.Registration.Tools, registration.ExecRunner{})
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Println("================================")
	fmt.Println("RAVENS TISSUE-DENSITY PIPELINE")
	fmt.Printf("Backend: %s | Profile: %s\n", backend.Name(), profile.Name)
	fmt.Println("================================")

	runner := pipeline.NewRunner(&pipeline.Params{
		Subject: models.Subject{
			Image:        *input,
			Segmentation: *seg,
			ICVMask:      *icvPath,
		},
		Template:       models.Template{Path: *template},
		LabelSpec:      *labelSpec,
		DictionaryPath: *dictPath,
		OutDir:         *outDir,
		Prefix:         *prefix,
		VolumeExt:      cfg.Pipeline.VolumeExt,
		Backend:        backend,
		Profile:        profile,
		Invert:         *invert,
		InvertScaleMax: cfg.Pipeline.InvertScaleMax,
		MeanICV:        cfg.Pipeline.MeanICV,
		Verbose:        cfg.Output.Verbose,
	})

	driver := pipeline.NewDriver(runner, &pipeline.DriverParams{
		ProjectLabel:    *projectLabel,
		ResampleSpacing: cfg.Projection.ResampleSpacing,
		AtlasDir:        cfg.Projection.AtlasDir,
		Components:      cfg.Projection.Components,
		QCSnapshots:     cfg.Output.QCSnapshots,
		Cleanup:         cfg.Output.Cleanup,
	})

	startTime := time.Now()
	if err := driver.Run(); err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}

	fmt.Printf("\nPipeline completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("Final outputs in: %s\n", *outDir)
	for _, label := range runner.LabelNames() {
		fmt.Printf("- %s\n", runner.Layout().NormalizedDensity(label))
	}
}
