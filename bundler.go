package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/evanw/esbuild/pkg/api"
)

type OutputKind uint8

const (
	OutputEntryPoint OutputKind = iota
	OutputChunk
)

func (k OutputKind) String() string {
	if k == OutputChunk {
		return "chunk"
	}
	return "entry-point"
}

// BundleOutput is one artifact of the bundler. Path is relative to the
// output root with forward slashes; EntryPoint is absolute and set only for
// entry points.
type BundleOutput struct {
	Kind       OutputKind
	Path       string
	EntryPoint string
	Text       string
}

type BundleRequest struct {
	Cwd          string
	Entrypoints  []string
	Splitting    bool
	Naming       Naming
	OutExtension string
	// Load returns the fake JS for a declaration-source file.
	Load func(path string) (string, error)
	// Resolve maps a specifier to a declaration-source file; false keeps the
	// import external.
	Resolve func(specifier string, importer string) (string, bool)
}

// Bundler runs the whole entry set through one JS bundling pass. Splitting
// only deduplicates correctly when every entry is bundled in the same call.
type Bundler interface {
	Bundle(ctx context.Context, req BundleRequest) ([]BundleOutput, error)
}

type esbuildBundler struct{}

// virtualOutdir is never written to; esbuild only needs it to name outputs.
const virtualOutdir = ".dts-bundle"

var ErrBundleFailed = errors.New("dts bundling failed")

func fakeJsPlugin(req BundleRequest) api.Plugin {
	return api.Plugin{
		Name: "dts-fake-js",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.Kind == api.ResolveEntryPoint {
						return api.OnResolveResult{}, nil
					}
					if resolved, ok := req.Resolve(args.Path, args.Importer); ok && isDeclarationSource(resolved) {
						return api.OnResolveResult{Path: resolved}, nil
					}
					return api.OnResolveResult{
						Path:        args.Path,
						External:    true,
						SideEffects: api.SideEffectsFalse,
					}, nil
				})

			build.OnLoad(api.OnLoadOptions{Filter: `\.(?:ts|tsx|mts|cts)$`},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents, err := req.Load(args.Path)
					if err != nil {
						return api.OnLoadResult{}, err
					}
					return api.OnLoadResult{
						Contents:   &contents,
						ResolveDir: filepath.Dir(args.Path),
						Loader:     api.LoaderJS,
					}, nil
				})
		},
	}
}

func (esbuildBundler) Bundle(ctx context.Context, req BundleRequest) ([]BundleOutput, error) {
	start := time.Now()
	outdir := filepath.Join(req.Cwd, virtualOutdir)
	outExtension := req.OutExtension
	if outExtension == "" {
		outExtension = ".js"
	}

	result := api.Build(api.BuildOptions{
		EntryPoints:   req.Entrypoints,
		AbsWorkingDir: req.Cwd,
		Bundle:        true,
		Write:         false,
		Metafile:      true,
		Format:        api.FormatESModule,
		Platform:      api.PlatformNeutral,
		Target:        api.ESNext,
		Splitting:     req.Splitting,
		Outdir:        outdir,
		EntryNames:    req.Naming.entryNames(),
		ChunkNames:    req.Naming.chunkNames(),
		OutExtension:  map[string]string{".js": outExtension},
		Packages:      api.PackagesExternal,
		TreeShaking:   api.TreeShakingTrue,
		LogLevel:      api.LogLevelSilent,
		Plugins:       []api.Plugin{fakeJsPlugin(req)},
	})

	if len(result.Errors) > 0 {
		messages := api.FormatMessages(result.Errors, api.FormatMessagesOptions{Kind: api.ErrorMessage})
		return nil, errors.Mark(errors.Newf("dts bundling failed:\n%s", strings.Join(messages, "")), ErrBundleFailed)
	}

	metafile, err := parseMetafile(result.Metafile)
	if err != nil {
		return nil, err
	}

	outputs := make([]BundleOutput, 0, len(result.OutputFiles))
	for _, file := range result.OutputFiles {
		relToCwd, err := filepath.Rel(req.Cwd, file.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "locating output %s", file.Path)
		}
		relToOutdir, err := filepath.Rel(outdir, file.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "locating output %s", file.Path)
		}

		output := BundleOutput{
			Kind: OutputChunk,
			Path: filepath.ToSlash(relToOutdir),
			Text: string(file.Contents),
		}
		if meta, ok := metafile.Outputs[filepath.ToSlash(relToCwd)]; ok && meta.EntryPoint != "" {
			output.Kind = OutputEntryPoint
			output.EntryPoint = filepath.Join(req.Cwd, filepath.FromSlash(meta.EntryPoint))
		}
		outputs = append(outputs, output)
	}

	Logger.Debugw("bundled declarations",
		"count", len(outputs),
		"duration_ms", time.Since(start).Milliseconds())
	return outputs, ctx.Err()
}
