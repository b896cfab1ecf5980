package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aegisid/identitree/config"
	"github.com/aegisid/identitree/pkg/hasher"
	"github.com/aegisid/identitree/pkg/hashers"
	"github.com/aegisid/identitree/pkg/logging"
	"github.com/aegisid/identitree/pkg/merkle"
	"github.com/aegisid/identitree/pkg/storage"
)

// Command is a treetool subcommand.
type Command struct {
	Run   func(cfg config.Tool, log zerolog.Logger, args []string) error
	Usage string
}

// commandRegistry maps subcommand names to their entries.
var commandRegistry = map[string]Command{
	"create":   {Run: runCreate, Usage: "create <leaves.hex>  build a new tree from a file of hex leaves"},
	"root":     {Run: runRoot, Usage: "root                 print the root of the stored tree"},
	"push":     {Run: runPush, Usage: "push <hex-leaf>      append a leaf and print the new root"},
	"proof":    {Run: runProof, Usage: "proof <index>        print the inclusion proof for a leaf"},
	"validate": {Run: runValidate, Usage: "validate             fully check the stored tree"},
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd, ok := commandRegistry[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	cfg := config.DefaultTool()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTool(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	log := logging.New(cfg.Verbose)
	if err := cmd.Run(cfg, log, args[1:]); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: treetool [-config file.yaml] <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, cmd := range commandRegistry {
		fmt.Fprintf(os.Stderr, "  %s\n", cmd.Usage)
	}
}

// selectHasher resolves the configured node hasher.
func selectHasher(cfg config.Tool) (hasher.Hasher[hashers.Digest], error) {
	switch cfg.Hasher {
	case "poseidon2":
		return hashers.Poseidon2{}, nil
	case "keccak256":
		return hashers.Keccak256{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", cfg.Hasher)
	}
}

func runCreate(cfg config.Tool, log zerolog.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("create expects exactly one leaves file")
	}
	h, err := selectHasher(cfg)
	if err != nil {
		return err
	}

	leaves, err := readLeaves(args[0])
	if err != nil {
		return err
	}
	log.Debug().Int("leaves", len(leaves)).Str("path", cfg.TreePath).Msg("building tree")

	st, err := storage.CreateMmapVecFromPath[hashers.Digest](cfg.TreePath)
	if err != nil {
		return err
	}
	defer st.Close()

	tree, err := merkle.NewCascadingTreeWithLeaves(h, st, cfg.Depth, hashers.Digest{}, leaves)
	if err != nil {
		return err
	}

	log.Info().Int("leaves", tree.NumLeaves()).Msg("tree created")
	fmt.Printf("%x\n", tree.Root())
	return nil
}

func runRoot(cfg config.Tool, log zerolog.Logger, args []string) error {
	tree, cleanup, err := openTree(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("%x\n", tree.Root())
	return nil
}

func runPush(cfg config.Tool, log zerolog.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("push expects exactly one hex leaf")
	}
	leaf, err := parseDigest(args[0])
	if err != nil {
		return err
	}

	tree, cleanup, err := openTree(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := tree.Push(leaf); err != nil {
		return err
	}
	log.Info().Int("leaves", tree.NumLeaves()).Msg("leaf appended")
	fmt.Printf("%x\n", tree.Root())
	return nil
}

func runProof(cfg config.Tool, log zerolog.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("proof expects exactly one leaf index")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parse leaf index: %w", err)
	}

	tree, cleanup, err := openTree(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if index < 0 || index >= tree.NumLeaves() {
		return fmt.Errorf("leaf index %d out of range (%d leaves)", index, tree.NumLeaves())
	}

	proof := tree.Proof(index)
	encoded, err := proof.MarshalBinary()
	if err != nil {
		return err
	}
	fmt.Printf("%x\n", encoded)
	return nil
}

func runValidate(cfg config.Tool, log zerolog.Logger, args []string) error {
	tree, cleanup, err := openTree(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := tree.Validate(); err != nil {
		return err
	}
	log.Info().Int("leaves", tree.NumLeaves()).Msg("tree is valid")
	return nil
}

// openTree restores the mmap-backed tree named by the configuration. The
// full validation sweep is left to the validate command; restore checks the
// constant-time invariants and recomputes the root.
func openTree(cfg config.Tool, log zerolog.Logger) (*merkle.CascadingTree[hashers.Digest], func(), error) {
	h, err := selectHasher(cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := storage.RestoreMmapVecFromPath[hashers.Digest](cfg.TreePath)
	if err != nil {
		return nil, nil, err
	}

	tree, err := merkle.RestoreCascadingTreeUnchecked(h, st, cfg.Depth, hashers.Digest{})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	log.Debug().Int("leaves", tree.NumLeaves()).Str("path", cfg.TreePath).Msg("tree restored")
	return tree, func() { st.Close() }, nil
}

// readLeaves reads one hex digest per line, skipping blanks and # comments.
func readLeaves(path string) ([]hashers.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open leaves file: %w", err)
	}
	defer f.Close()

	var leaves []hashers.Digest
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		leaf, err := parseDigest(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		leaves = append(leaves, leaf)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read leaves file: %w", err)
	}
	return leaves, nil
}

// parseDigest decodes a hex string of at most 32 bytes, left-padded.
func parseDigest(s string) (hashers.Digest, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return hashers.Digest{}, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) > 32 {
		return hashers.Digest{}, fmt.Errorf("digest longer than 32 bytes")
	}
	var d hashers.Digest
	copy(d[32-len(raw):], raw)
	return d, nil
}
