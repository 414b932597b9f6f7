// treemirrord - off-chain Merkle tree mirror daemon
// This binary follows a set of on-chain compressed trees and:
// 1. Ingests live changelog events over a websocket log subscription
// 2. Backfills sequence gaps by replaying historical slots
// 3. Periodically validates the stored hashes against each other
// It also offers one-shot validate and proof subcommands over an existing
// data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/compresslabs/treemirror/backfill"
	"github.com/compresslabs/treemirror/chainspecs"
	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/ingester"
	log "github.com/compresslabs/treemirror/log"
	"github.com/compresslabs/treemirror/rpc_client"
	"github.com/compresslabs/treemirror/storage"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "treemirrord",
		Short: "Compressed tree mirror daemon",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		dataDir     string
		rpcURL      string
		validateRPC string
		wsURL       string
		chainSpec   string
		interval    time.Duration
		batchSize   int
		logLevel    string
		debug       string
		treeHex     string
		leafHex     string
		nodeIndex   uint64
	)

	rootCmd.PersistentFlags().StringVar(&dataDir, "datadir", "/tmp/treemirror", "mirror database directory")
	rootCmd.PersistentFlags().StringVar(&chainSpec, "spec", "devnet", "chain spec name or file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "comma separated debug modules, or 'all'")

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the mirror: live ingestion, backfill and validation",
		Run: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			log.EnableModules(debug)
			fmt.Printf("Starting treemirrord %s (%s)\n", Version, Commit)
			fmt.Printf("  Chain Spec: %s\n", chainSpec)
			fmt.Printf("  Data Dir:   %s\n", dataDir)
			fmt.Printf("  RPC:        %s\n", rpcURL)
			fmt.Printf("  WS:         %s\n", wsURL)

			spec, err := chainspecs.ReadSpec(chainSpec)
			if err != nil {
				fmt.Printf("Failed to read chainspec %s: %v\n", chainSpec, err)
				os.Exit(1)
			}

			store, err := storage.NewMirrorStore(dataDir)
			if err != nil {
				fmt.Printf("Failed to open mirror store: %v\n", err)
				os.Exit(1)
			}
			defer store.Close()

			client := rpcclient.NewClient(rpcURL)
			ing := ingester.New(store)
			backfiller := backfill.New(client, store, ing, spec.ProgramID, batchSize)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			trees, err := resolveTrees(ctx, client, spec)
			if err != nil {
				fmt.Printf("Failed to resolve tree depths: %v\n", err)
				os.Exit(1)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				log.Info(log.DaemonMonitoring, "shutting down", "signal", sig.String())
				cancel()
			}()

			reconciler := backfill.NewReconciler(backfiller, store, ing, wsURL, trees, interval)
			log.Info(log.DaemonMonitoring, "mirror started", "trees", len(trees), "interval", interval)
			if err := reconciler.Run(ctx); err != nil && err != context.Canceled {
				fmt.Printf("Reconciler stopped: %v\n", err)
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().StringVar(&rpcURL, "rpc", "http://127.0.0.1:8899", "ledger RPC endpoint")
	runCmd.Flags().StringVar(&wsURL, "ws", "ws://127.0.0.1:8900", "ledger websocket endpoint")
	runCmd.Flags().DurationVar(&interval, "interval", 60*time.Second, "backfill sweep interval")
	runCmd.Flags().IntVar(&batchSize, "batch", 20, "concurrent slot fetches per backfill batch")

	var validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate the stored hashes of every configured tree",
		Run: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			log.EnableModules(debug)

			spec, store := mustOpen(chainSpec, dataDir)
			defer store.Close()

			var client *rpcclient.Client
			if validateRPC != "" {
				client = rpcclient.NewClient(validateRPC)
			}
			trees, err := resolveTrees(context.Background(), client, spec)
			if err != nil {
				fmt.Printf("Failed to resolve tree depths: %v\n", err)
				os.Exit(1)
			}

			corrupt := false
			for _, tree := range trees {
				maxSeq, _, ok, err := store.MaxSequence(tree.ID)
				if err != nil {
					fmt.Printf("Failed to read %s: %v\n", common.Str(tree.ID), err)
					os.Exit(1)
				}
				if !ok {
					fmt.Printf("tree %s: empty mirror, nothing to validate\n", common.Str(tree.ID))
					continue
				}
				mismatches, err := store.ValidateTree(tree.ID, tree.Depth, maxSeq)
				if err != nil {
					fmt.Printf("Failed to validate %s: %v\n", common.Str(tree.ID), err)
					os.Exit(1)
				}
				if len(mismatches) == 0 {
					fmt.Printf("tree %s: consistent through seq %d\n", common.Str(tree.ID), maxSeq)
					continue
				}
				corrupt = true
				for _, m := range mismatches {
					fmt.Printf("tree %s: node %d stored %s expected %s\n",
						common.Str(tree.ID), m.NodeIdx, common.Str(m.Stored), common.Str(m.Expected))
				}
			}
			if corrupt {
				os.Exit(1)
			}
		},
	}

	validateCmd.Flags().StringVar(&validateRPC, "rpc", "", "ledger RPC endpoint, used to resolve depths the spec omits")

	var proofCmd = &cobra.Command{
		Use:   "proof",
		Short: "Print the membership proof for a leaf as JSON",
		Run: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			log.EnableModules(debug)

			spec, store := mustOpen(chainSpec, dataDir)
			defer store.Close()

			treeID := common.HexToHash(treeHex)
			var depth uint8
			for _, tree := range spec.Trees {
				if tree.ID == treeID {
					depth = tree.Depth
				}
			}
			if depth == 0 {
				fmt.Printf("Tree %s not in chain spec or has no configured depth\n", treeHex)
				os.Exit(1)
			}

			var proof interface{}
			var err error
			if leafHex != "" {
				proof, err = store.ProofForLeaf(treeID, common.HexToHash(leafHex), depth)
			} else {
				proof, err = store.ProofForIndex(treeID, nodeIndex, depth)
			}
			if err != nil {
				fmt.Printf("Failed to build proof: %v\n", err)
				os.Exit(1)
			}
			out, err := json.MarshalIndent(proof, "", "  ")
			if err != nil {
				fmt.Printf("Failed to encode proof: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(out))
		},
	}
	proofCmd.Flags().StringVar(&treeHex, "tree", "", "tree account (hex)")
	proofCmd.Flags().StringVar(&leafHex, "leaf", "", "leaf hash (hex)")
	proofCmd.Flags().Uint64Var(&nodeIndex, "index", 0, "leaf node index, used when --leaf is not given")
	proofCmd.MarkFlagRequired("tree")

	rootCmd.AddCommand(runCmd, validateCmd, proofCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustOpen(chainSpec, dataDir string) (*chainspecs.ChainSpec, *storage.MirrorStore) {
	spec, err := chainspecs.ReadSpec(chainSpec)
	if err != nil {
		fmt.Printf("Failed to read chainspec %s: %v\n", chainSpec, err)
		os.Exit(1)
	}
	store, err := storage.NewMirrorStore(dataDir)
	if err != nil {
		fmt.Printf("Failed to open mirror store: %v\n", err)
		os.Exit(1)
	}
	return spec, store
}

// resolveTrees fills in depths the chain spec leaves at zero by reading each
// tree's on-chain header. With a nil client an unresolved depth is an error;
// a depth-0 validation would vacuously pass.
func resolveTrees(ctx context.Context, client *rpcclient.Client, spec *chainspecs.ChainSpec) ([]backfill.Tree, error) {
	trees := make([]backfill.Tree, 0, len(spec.Trees))
	for _, tree := range spec.Trees {
		depth := tree.Depth
		if depth == 0 {
			if client == nil {
				return nil, fmt.Errorf("tree %s has no configured depth; pass --rpc to resolve it from the chain", common.Str(tree.ID))
			}
			header, err := client.TreeHeader(ctx, tree.ID)
			if err != nil {
				return nil, fmt.Errorf("tree %s: %w", common.Str(tree.ID), err)
			}
			depth = uint8(header.MaxDepth)
			log.Info(log.DaemonMonitoring, "tree depth resolved from chain",
				"tree", common.Str(tree.ID), "depth", depth)
		}
		trees = append(trees, backfill.Tree{ID: tree.ID, Depth: depth})
	}
	return trees, nil
}
