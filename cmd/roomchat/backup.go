package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"roomchat/internal/config"
	"roomchat/internal/memory"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the database and config file",
		Long: `Writes a consistent snapshot of the SQLite database and the config file
into a timestamped .tar.gz archive. The server may keep running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(backupDir, fmt.Sprintf("roomchat-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			tmp, err := os.MkdirTemp("", "roomchat-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			snapshot := filepath.Join(tmp, filepath.Base(cfg.Memory.DBPath))
			err = store.Backup(cmd.Context(), snapshot)
			store.Close()
			if err != nil {
				return err
			}

			files := []string{snapshot}
			if cfgPath := resolveConfigPath(); fileExists(cfgPath) {
				files = append(files, cfgPath)
			}
			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			for _, f := range files {
				var size int64
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Fprintf(out, "  - %s (%s)\n", filepath.Base(f), humanize.Bytes(uint64(size)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.roomchat/backups/roomchat-backup-<timestamp>.tar.gz)")
	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// createTarGz archives files under their base names.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Sync()
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}
