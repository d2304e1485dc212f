package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dnd-ai-helper/internal/config"
	"dnd-ai-helper/internal/fantasy"
	"dnd-ai-helper/internal/httpclient"
	"dnd-ai-helper/internal/imagecodec"
	"dnd-ai-helper/internal/pipeline"
	"dnd-ai-helper/internal/provider"
)

type generator interface {
	Generate(ctx context.Context, req pipeline.Request) pipeline.Result
	Regenerate(ctx context.Context, image, race, region string) pipeline.Result
}

type deps struct {
	loadConfig   func() (config.Config, error)
	newGenerator func(ctx context.Context, cfg config.Config) (generator, error)
}

func defaultDeps() deps {
	return deps{
		loadConfig: config.Load,
		newGenerator: func(ctx context.Context, cfg config.Config) (generator, error) {
			httpClient := httpclient.New(httpclient.Options{
				PreferIPv4: cfg.PreferIPv4,
				Timeout:    cfg.HTTPTimeout,
			})
			gen, err := provider.Build(ctx, provider.Options{
				Config:     cfg,
				HTTPClient: httpClient,
				Logger:     cfg.NewLogger(os.Stderr),
			})
			if err != nil {
				return nil, err
			}
			return gen, nil
		},
	}
}

type generateFlags struct {
	image  string
	race   string
	region string
	out    string
	mode   string
}

func newRootCmd(d deps) *cobra.Command {
	root := &cobra.Command{
		Use:          "fantasize",
		Short:        "Turn a portrait photo into a Dungeons & Dragons character",
		SilenceUsage: true,
	}

	root.AddCommand(
		newGenerateCmd(d, false),
		newGenerateCmd(d, true),
		newListCmd("races", "List the playable races", fantasy.Races),
		newListCmd("regions", "List the Forgotten Realms regions", fantasy.Regions),
		&cobra.Command{
			Use:   "quote",
			Short: "Print a teaser line",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), fantasy.Quote(nil))
			},
		},
	)
	return root
}

func newGenerateCmd(d deps, regenerate bool) *cobra.Command {
	var f generateFlags

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Transform a photo into a fantasy portrait",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, d, f, regenerate)
		},
	}
	if regenerate {
		cmd.Use = "regenerate"
		cmd.Short = "Push a previous result further (\"add spiciness\")"
	}

	cmd.Flags().StringVarP(&f.image, "image", "i", "", "input image file")
	cmd.Flags().StringVarP(&f.race, "race", "r", "", "race key or name, see 'fantasize races'")
	cmd.Flags().StringVarP(&f.region, "region", "g", "", "region key or name, see 'fantasize regions'")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "output file (default portrait-<race>-<region> with the image extension)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "override FANTASY_MODE (direct, captioned, image-to-image)")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("race")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func runGenerate(cmd *cobra.Command, d deps, f generateFlags, regenerate bool) error {
	race, ok := fantasy.LookupRace(f.race)
	if !ok {
		return fmt.Errorf("unknown race %q", f.race)
	}
	region, ok := fantasy.LookupRegion(f.region)
	if !ok {
		return fmt.Errorf("unknown region %q", f.region)
	}

	data, err := os.ReadFile(f.image)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	image := imagecodec.Encode(imagecodec.Payload{Data: data, MimeType: imagecodec.DetectMIME(data)})

	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	if f.mode != "" {
		cfg.Mode = f.mode
	}

	ctx := cmd.Context()
	gen, err := d.newGenerator(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	started := time.Now()
	var res pipeline.Result
	if regenerate {
		res = gen.Regenerate(ctx, image, race.Key, region.Key)
	} else {
		res = gen.Generate(ctx, pipeline.Request{Image: image, Race: race.Key, Region: region.Key})
	}
	if !res.Success {
		return fmt.Errorf("generation failed (%s): %s", res.Kind, res.Reason)
	}

	out, err := writeResult(res.Image, f.out, race.Key, region.Key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "You are now a %s from %s: %s (%s)\n",
		race.Name, region.Name, out, time.Since(started).Round(time.Millisecond))
	return nil
}

func writeResult(dataURL, out, race, region string) (string, error) {
	payload, err := imagecodec.Decode(dataURL)
	if err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	if out == "" {
		out = fmt.Sprintf("portrait-%s-%s%s", race, region, imagecodec.Extension(payload.MimeType))
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(out, payload.Data, 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return out, nil
}

func newListCmd(use, short string, list func() []fantasy.NamedOption) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printOptions(cmd.OutOrStdout(), list())
		},
	}
}

func printOptions(w io.Writer, opts []fantasy.NamedOption) error {
	width := 0
	for _, o := range opts {
		width = max(width, len(o.Key))
	}
	var b strings.Builder
	for _, o := range opts {
		fmt.Fprintf(&b, "%-*s  %s\n", width, o.Key, o.Name)
	}
	if b.Len() == 0 {
		return errors.New("catalog is empty")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
