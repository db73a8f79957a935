package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wabridge/internal/config"

	"github.com/spf13/cobra"
)

// backupSet names the files a backup carries and where each is restored.
type backupSet struct {
	configPath  string
	journalPath string
	profilePath string // selector profile YAML, optional
}

func currentBackupSet() (backupSet, error) {
	cfg, err := loadConfig()
	if err != nil {
		return backupSet{}, err
	}
	return backupSet{
		configPath:  resolveConfigPath(),
		journalPath: cfg.Journal.DBPath,
		profilePath: cfg.Bridge.ProfilePath,
	}, nil
}

// files returns the members that exist on disk. The archive stores each
// under its base name.
func (s backupSet) files() []string {
	candidates := []string{s.configPath, s.journalPath, s.journalPath + "-wal", s.journalPath + "-shm"}
	if s.profilePath != "" {
		candidates = append(candidates, s.profilePath)
	}
	var out []string
	for _, f := range candidates {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// target maps an archive member back to its location.
func (s backupSet) target(name string) (string, bool) {
	base := filepath.Base(name)
	journalBase := filepath.Base(s.journalPath)
	switch {
	case base == filepath.Base(s.configPath):
		return s.configPath, true
	case base == journalBase:
		return s.journalPath, true
	case base == journalBase+"-wal":
		return s.journalPath + "-wal", true
	case base == journalBase+"-shm":
		return s.journalPath + "-shm", true
	case s.profilePath != "" && base == filepath.Base(s.profilePath):
		return s.profilePath, true
	case strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml"):
		return filepath.Join(filepath.Dir(s.configPath), base), true
	}
	return "", false
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, journal and selector profile",
		Long: `Creates a compressed .tar.gz archive containing the configuration, the
delivery journal and the selector profile override if one is configured.
The Chrome profile (WhatsApp session) is not included; relink with 'wabridge login'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := currentBackupSet()
			if err != nil {
				return err
			}
			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("wabridge-backup-%s.tar.gz", ts))
			}

			files := set.files()
			if len(files) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, journal: %s)", set.configPath, set.journalPath)
			}
			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				var size int64
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.wabridge/backups/wabridge-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the config, journal and selector profile from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := currentBackupSet()
			if err != nil {
				return err
			}
			if !force && len(set.files()) > 0 {
				fmt.Printf("WARNING: this overwrites %s and %s.\n", set.configPath, set.journalPath)
				return fmt.Errorf("restore aborted (use --force to proceed)")
			}

			restored, err := extractTarGz(args[0], set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// createTarGz writes files into a gzip'd tar at outputPath, each under its
// base name. A partial archive is removed on failure.
func createTarGz(outputPath string, files []string) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, path := range files {
		if err := appendFile(tw, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func appendFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     filepath.Base(path),
		Mode:     0o600,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.CopyN(tw, f, info.Size())
	return err
}

// extractTarGz restores known members and skips the rest.
func extractTarGz(archivePath string, set backupSet) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		targetPath, ok := set.target(header.Name)
		if !ok {
			logger.Warn("skipping unknown backup member", "name", header.Name)
			continue
		}
		if err := writeMember(targetPath, tarReader); err != nil {
			return nil, err
		}
		restored = append(restored, targetPath)
	}
	return restored, nil
}

func writeMember(targetPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", targetPath, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", targetPath, err)
	}
	return out.Close()
}

func humanSize(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n) / 1024
	unit := "KB"
	if v >= 1024 {
		v /= 1024
		unit = "MB"
	}
	return fmt.Sprintf("%.1f %s", v, unit)
}
