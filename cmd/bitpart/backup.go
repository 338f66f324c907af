package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bitpart/internal/config"
	"bitpart/internal/storage"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	archiveDBName     = "bitpart.db"
	archiveConfigName = "config.json"

	// passphraseEnv supplies the archive passphrase non-interactively.
	passphraseEnv = "BITPART_BACKUP_PASSPHRASE"
)

// scryptWorkFactor is the age scrypt cost (log2 N) used for new archives.
var scryptWorkFactor = 18

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create an encrypted backup of the database and config",
		Long: `Creates a passphrase-encrypted archive (tar, zstd, age) holding a
consistent snapshot of the database and the configuration file. The
passphrase is read from $BITPART_BACKUP_PASSPHRASE or prompted for.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("bitpart-backup-%s.tar.zst.age", ts))
			}

			passphrase, err := readPassphrase(true)
			if err != nil {
				return err
			}

			tmp, err := os.MkdirTemp("", "bitpart-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			db, err := storage.Open(cmd.Context(), storage.Config{Path: cfg.Database.Path, Key: cfg.Database.Key, Logger: logger})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			snapshot := filepath.Join(tmp, archiveDBName)
			err = db.Snapshot(cmd.Context(), snapshot)
			db.Close()
			if err != nil {
				return err
			}

			files := map[string]string{
				archiveDBName:     snapshot,
				archiveConfigName: cfgPath,
			}
			out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("create backup: %w", err)
			}
			if err := writeArchive(out, passphrase, files); err != nil {
				out.Close()
				os.Remove(outputPath)
				return fmt.Errorf("backup failed: %w", err)
			}
			if err := out.Close(); err != nil {
				return err
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, name := range []string{archiveDBName, archiveConfigName} {
				info, _ := os.Stat(files[name])
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.bitpart/backups/bitpart-backup-<timestamp>.tar.zst.age)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore the database and config from an encrypted backup",
		Long: `Restores the database and configuration file from an archive created
by 'bitpart backup'. Stop the server first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := config.Defaults().Database.Path
			if cfg, err := config.Read(cfgPath); err == nil {
				dbPath = cfg.Database.Path
			}
			if databaseFlag != "" {
				dbPath = databaseFlag
			}
			dbPath = config.ExpandPath(dbPath)

			if !force {
				existing := false
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", dbPath)
					fmt.Printf("  Config:   %s\n", cfgPath)
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			passphrase, err := readPassphrase(false)
			if err != nil {
				return err
			}
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			targets := map[string]string{
				archiveDBName:     dbPath,
				archiveConfigName: cfgPath,
			}
			restored, err := readArchive(in, passphrase, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(dbPath + suffix)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// readPassphrase takes the passphrase from the environment or prompts for
// it without echo. New archives ask for it twice.
func readPassphrase(confirm bool) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt for a passphrase; set %s", passphraseEnv)
	}
	fmt.Fprint(os.Stderr, "Backup passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", errors.New("passphrase must not be empty")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passphrases do not match")
		}
	}
	return string(first), nil
}

// writeArchive streams files (archive name to source path) as a tar,
// compressed with zstd and encrypted to passphrase with age.
func writeArchive(w io.Writer, passphrase string, files map[string]string) error {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return err
	}
	recipient.SetWorkFactor(scryptWorkFactor)
	encrypted, err := age.Encrypt(w, recipient)
	if err != nil {
		return err
	}
	compressed, err := zstd.NewWriter(encrypted)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(compressed)

	for _, name := range []string{archiveDBName, archiveConfigName} {
		src, ok := files[name]
		if !ok {
			continue
		}
		if err := addFileToTar(tw, name, src); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := compressed.Close(); err != nil {
		return err
	}
	return encrypted.Close()
}

func addFileToTar(tw *tar.Writer, name, path string) error {
	file, err := os.Open(path)
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
	header.Name = name
	header.Mode = 0o600

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// readArchive reverses writeArchive, writing each known entry to its target
// path. Unknown entries are skipped.
func readArchive(r io.Reader, passphrase string, targets map[string]string) ([]string, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	decrypted, err := age.Decrypt(r, identity)
	if err != nil {
		var wrong *age.NoIdentityMatchError
		if errors.As(err, &wrong) {
			return nil, errors.New("wrong passphrase")
		}
		return nil, fmt.Errorf("not a bitpart backup: %w", err)
	}
	decompressed, err := zstd.NewReader(decrypted)
	if err != nil {
		return nil, err
	}
	defer decompressed.Close()

	tr := tar.NewReader(decompressed)
	var restored []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		target, ok := targets[filepath.Base(header.Name)]
		if !ok || header.Typeflag != tar.TypeReg || strings.Contains(header.Name, "..") {
			continue
		}
		if err := extractFile(tr, target); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	if len(restored) == 0 {
		return nil, errors.New("archive holds no database or config")
	}
	return restored, nil
}

// extractFile writes r to a temporary file next to target and renames it
// into place.
func extractFile(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
