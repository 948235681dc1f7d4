package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/engine"
	"github.com/spf13/cobra"
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Inspect and correct person clusters",
	Long: `List person clusters and apply manual corrections: rename, merge,
detach a face into its own cluster or move it into another one.

Examples:
  photo-index clusters list
  photo-index clusters list --label "jan novak"
  photo-index clusters members 12
  photo-index clusters rename 12 "Jan Novák"
  photo-index clusters merge 12 40
  photo-index clusters detach IMG_0042/1
  photo-index clusters move IMG_0042/1 12`,
}

var clustersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters",
	Args:  cobra.NoArgs,
	RunE:  runClustersList,
}

var clustersMembersCmd = &cobra.Command{
	Use:   "members <cluster-id>",
	Short: "Show the faces and photos of a cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runClustersMembers,
}

var clustersRenameCmd = &cobra.Command{
	Use:   "rename <cluster-id> <label>",
	Short: "Set the label of a cluster (empty label clears it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseClusterID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine.Engine) error {
			if err := e.Rename(id, args[1]); err != nil {
				return err
			}
			fmt.Printf("Cluster %d renamed to %q\n", id, args[1])
			return nil
		})
	},
}

var clustersMergeCmd = &cobra.Command{
	Use:   "merge <into-id> <from-id>",
	Short: "Move every face of the second cluster into the first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		into, err := parseClusterID(args[0])
		if err != nil {
			return err
		}
		from, err := parseClusterID(args[1])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine.Engine) error {
			if err := e.Merge(into, from); err != nil {
				return err
			}
			c, err := e.Graph().Get(into)
			if err != nil {
				return err
			}
			fmt.Printf("Merged cluster %d into %d (%d faces)\n", from, into, c.Size)
			return nil
		})
	},
}

var clustersDetachCmd = &cobra.Command{
	Use:   "detach <face-id>",
	Short: "Move a face into a new cluster of its own",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			id, err := e.Detach(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Face %s detached into cluster %d\n", args[0], id)
			return nil
		})
	},
}

var clustersMoveCmd = &cobra.Command{
	Use:   "move <face-id> <cluster-id>",
	Short: "Move a face into an existing cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := parseClusterID(args[1])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine.Engine) error {
			if err := e.Move(args[0], to); err != nil {
				return err
			}
			fmt.Printf("Face %s moved to cluster %d\n", args[0], to)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(clustersCmd)
	clustersCmd.AddCommand(clustersListCmd, clustersMembersCmd, clustersRenameCmd,
		clustersMergeCmd, clustersDetachCmd, clustersMoveCmd)

	clustersListCmd.Flags().String("label", "", "Only clusters with this label (case and diacritics insensitive)")
	clustersListCmd.Flags().Int("min-size", 1, "Hide clusters with fewer faces")
	clustersListCmd.Flags().Bool("json", false, "Output as JSON")
	clustersMembersCmd.Flags().Bool("json", false, "Output as JSON")
}

func parseClusterID(s string) (cluster.ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid cluster id %q", s)
	}
	return cluster.ID(n), nil
}

// withEngine opens the engine, runs fn and checkpoints the result.
func withEngine(fn func(e *engine.Engine) error) (err error) {
	ctx := context.Background()
	cfg := config.Load()
	log, err := newLogger(verbose)
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeEngine(eng, &err)
	return fn(eng)
}

func runClustersList(cmd *cobra.Command, args []string) error {
	label := mustGetString(cmd, "label")
	minSize := mustGetInt(cmd, "min-size")
	jsonOutput := mustGetBool(cmd, "json")

	return withEngine(func(e *engine.Engine) error {
		var all []cluster.Cluster
		if label != "" {
			all = e.Graph().FindByLabel(label)
		} else {
			all = e.Graph().List()
		}
		clusters := make([]cluster.Cluster, 0, len(all))
		for _, c := range all {
			if c.Size >= minSize {
				clusters = append(clusters, c)
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(clusters)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSIZE\tLABEL\tREPRESENTATIVE")
		for _, c := range clusters {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", c.ID, c.Size, c.Label, c.Representative)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d clusters\n", len(clusters))
		return nil
	})
}

// ClusterMembersOutput is the JSON output of clusters members.
type ClusterMembersOutput struct {
	Cluster cluster.Cluster `json:"cluster"`
	Faces   []string        `json:"faces"`
	Photos  []string        `json:"photos"`
}

func runClustersMembers(cmd *cobra.Command, args []string) error {
	id, err := parseClusterID(args[0])
	if err != nil {
		return err
	}
	jsonOutput := mustGetBool(cmd, "json")

	return withEngine(func(e *engine.Engine) error {
		c, err := e.Graph().Get(id)
		if err != nil {
			return err
		}
		faces, err := e.Graph().Members(id)
		if err != nil {
			return err
		}
		photos, err := e.Graph().Photos(id)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ClusterMembersOutput{Cluster: c, Faces: faces, Photos: photos})
		}

		name := c.Label
		if name == "" {
			name = "(unlabelled)"
		}
		fmt.Printf("Cluster %d %s: %d faces on %d photos\n", c.ID, name, len(faces), len(photos))
		fmt.Printf("Representative: %s\n\n", c.Representative)
		for _, f := range faces {
			fmt.Printf("  %s\n", f)
		}
		return nil
	})
}
