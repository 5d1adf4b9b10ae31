package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/compose-spec/compose-go/v2/cli"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

const overrideFileName = "isolation.override.yaml"

// isolation shadows writable host directories bind-mounted into selected
// services with per-run copies, so that writes inside the containers never
// reach the host checkout. The overlay root doubles as the "isolation
// active" marker.
type isolation struct {
	root string
	// exclude is never copied into the overlay, so a bind mount of the
	// project directory does not copy the overlay into itself.
	exclude  string
	services []string
	logger   *slog.Logger
}

// overrideVolume is the long-syntax volume entry written to the override
// file. Compose merges service volumes by target, so rebinding the same
// target replaces the original host source.
type overrideVolume struct {
	Type   string `yaml:"type"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

type overrideService struct {
	Volumes []overrideVolume `yaml:"volumes"`
}

type overrideFile struct {
	Services map[string]overrideService `yaml:"services"`
}

func (i *isolation) Active() bool {
	if i == nil || len(i.services) == 0 {
		return false
	}
	info, err := os.Stat(i.root)
	return err == nil && info.IsDir()
}

func (i *isolation) OverrideFile() string {
	return filepath.Join(i.root, overrideFileName)
}

// Prepare copies each writable directory bind mount of the isolated services
// into the overlay and writes the override file. It is a no-op when the
// overlay already exists.
func (i *isolation) Prepare(ctx context.Context, cfg Config) error {
	if i == nil || len(i.services) == 0 || i.Active() {
		return nil
	}

	project, err := loadProject(ctx, cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(i.root, 0o755); err != nil {
		return fmt.Errorf("create isolation overlay: %w", err)
	}

	override := overrideFile{Services: make(map[string]overrideService)}
	for _, name := range i.services {
		svc, ok := project.Services[name]
		if !ok {
			_ = os.RemoveAll(i.root)
			return fmt.Errorf("isolate service %q: %w", name, ErrNotFound)
		}
		var vols []overrideVolume
		for n, v := range svc.Volumes {
			if v.Type != composetypes.VolumeTypeBind || v.ReadOnly {
				continue
			}
			if !filepath.IsAbs(v.Source) {
				v.Source = filepath.Join(cfg.ProjectDir, v.Source)
			}
			info, err := os.Stat(v.Source)
			if err != nil || !info.IsDir() {
				continue
			}
			dst := filepath.Join(i.root, name, fmt.Sprintf("%d-%s", n, filepath.Base(v.Source)))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				_ = os.RemoveAll(i.root)
				return fmt.Errorf("isolate service %q: %w", name, err)
			}
			if err := copyTree(dst, v.Source, i.exclude); err != nil {
				_ = os.RemoveAll(i.root)
				return fmt.Errorf("isolate service %q: copy %s: %w", name, v.Source, err)
			}
			vols = append(vols, overrideVolume{Type: composetypes.VolumeTypeBind, Source: dst, Target: v.Target})
			i.logger.Info("isolated bind mount", "service", name, "source", v.Source, "overlay", dst, "target", v.Target)
		}
		if len(vols) > 0 {
			override.Services[name] = overrideService{Volumes: vols}
		}
	}

	data, err := yaml.Marshal(override)
	if err != nil {
		_ = os.RemoveAll(i.root)
		return fmt.Errorf("marshal isolation override: %w", err)
	}
	if err := os.WriteFile(i.OverrideFile(), data, 0o644); err != nil {
		_ = os.RemoveAll(i.root)
		return fmt.Errorf("write isolation override: %w", err)
	}
	return nil
}

// Remove deletes the overlay. A missing overlay is not an error.
func (i *isolation) Remove() error {
	if i == nil || len(i.services) == 0 {
		return nil
	}
	if err := os.RemoveAll(i.root); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove isolation overlay: %w", err)
	}
	return nil
}

// copyTree copies the directory src to dst, which must not exist, skipping
// the directory exclude if it lies inside src. Symlinks are recreated as
// they are; other special files are skipped.
func copyTree(dst, src, exclude string) error {
	src, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if exclude != "" {
		if exclude, err = filepath.Abs(exclude); err != nil {
			return err
		}
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path == exclude {
			return fs.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(target, path, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(dst, src string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func loadProject(ctx context.Context, cfg Config) (*composetypes.Project, error) {
	files := make([]string, len(cfg.Files))
	for n, f := range cfg.Files {
		if !filepath.IsAbs(f) && cfg.ProjectDir != "" {
			f = filepath.Join(cfg.ProjectDir, f)
		}
		files[n] = f
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	// Later options win, so the configured environment goes last.
	optFns := []cli.ProjectOptionsFn{
		cli.WithName(strings.ToLower(cfg.ProjectName)),
	}
	if cfg.ProjectDir != "" {
		optFns = append(optFns, cli.WithWorkingDirectory(cfg.ProjectDir))
	}
	if !cfg.ReplaceEnv {
		optFns = append(optFns, cli.WithOsEnv)
	}
	if cfg.EnvFile != "" {
		optFns = append(optFns, cli.WithEnvFiles(cfg.EnvFile))
	}
	optFns = append(optFns, cli.WithDotEnv, cli.WithEnv(env))

	opts, err := cli.NewProjectOptions(files, optFns...)
	if err != nil {
		return nil, fmt.Errorf("compose project options: %w", err)
	}
	project, err := cli.ProjectFromOptions(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("load compose project %q: %w", cfg.ProjectName, err)
	}
	return project, nil
}
