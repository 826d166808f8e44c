package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/capsulebuild/capsule/lib/pack"
	"github.com/capsulebuild/capsule/lib/sandbox"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Show an image's metadata, labels and signature state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(args[0])
		if err != nil {
			return fmt.Errorf("open image: %w", err)
		}
		if info.IsDir() {
			sb, err := sandbox.Open(args[0])
			if err != nil {
				return err
			}
			fmt.Println("Type:    sandbox")
			printMeta(sb.Meta)
			return nil
		}
		return inspectArchive(args[0])
	},
}

func inspectArchive(path string) error {
	archive, err := pack.Open(path)
	if err != nil {
		return err
	}

	metaBytes, err := archive.ReadObject(pack.ObjectMetadata)
	if err != nil {
		return err
	}
	var meta sandbox.ImageMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("unmarshal image metadata: %w", err)
	}

	fmt.Println("Type:    packaged image")
	printMeta(&meta)

	fmt.Println("Objects:")
	for _, obj := range archive.Manifest.Objects {
		fmt.Printf("  %-12s %-10s %s\n", obj.ID, datasize.ByteSize(obj.Size).HumanReadable(), obj.Digest)
	}

	signatures := archive.Signatures()
	if len(signatures) == 0 {
		fmt.Println("Signature: none (unsigned)")
		return nil
	}
	for fingerprint := range signatures {
		fmt.Println("Signature:", fingerprint)
	}
	return nil
}

func printMeta(meta *sandbox.ImageMeta) {
	fmt.Println("Build:  ", meta.BuildID)
	fmt.Println("Base:   ", meta.BaseRef)
	if meta.BaseDigest != "" {
		fmt.Println("Digest: ", meta.BaseDigest)
	}
	fmt.Println("Created:", meta.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if meta.Runscript != "" {
		fmt.Println("Runscript:", meta.Runscript)
	}
	if len(meta.Labels) > 0 {
		fmt.Println("Labels:")
		names := make([]string, 0, len(meta.Labels))
		for name := range meta.Labels {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %s\n", name, meta.Labels[name])
		}
	}
}
