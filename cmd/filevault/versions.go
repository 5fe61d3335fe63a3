package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/forlifetrading/filevault/internal/version"
	"github.com/forlifetrading/filevault/pkg/bytesize"
	"github.com/forlifetrading/filevault/pkg/proto"
	"github.com/spf13/cobra"
)

func newVersionsCmd() *cobra.Command {
	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect and restore file version history",
		Long: `Inspect and restore file version history.

Examples:
  # Files that have a history
  filevault versions files

  # Versions of one file, newest first
  filevault versions list contract-2024

  # Restore an older version as a new upload
  filevault versions restore contract-2024 <version-id> --actor u1

  # Move a history between servers
  filevault versions export contract-2024 -o contract-2024_history.json
  filevault versions import contract-2024_history.json --actor u1`,
	}

	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "List files that have version history",
		RunE:  runVersionFiles,
	}
	versionsCmd.AddCommand(filesCmd)

	listCmd := &cobra.Command{
		Use:   "list <file-id>",
		Short: "List the versions of a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runVersionsList,
	}
	versionsCmd.AddCommand(listCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore <file-id> <version-id>",
		Short: "Restore a version",
		Args:  cobra.ExactArgs(2),
		RunE:  runVersionRestore,
	}
	restoreCmd.Flags().String("actor", "", "user performing the restore")
	versionsCmd.AddCommand(restoreCmd)

	exportCmd := &cobra.Command{
		Use:   "export <file-id>",
		Short: "Export a file's history as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runVersionExport,
	}
	exportCmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	versionsCmd.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import <history.json>",
		Short: "Import an exported history",
		Args:  cobra.ExactArgs(1),
		RunE:  runVersionImport,
	}
	importCmd.Flags().String("actor", "", "user performing the import")
	versionsCmd.AddCommand(importCmd)

	return versionsCmd
}

func runVersionFiles(cmd *cobra.Command, _ []string) error {
	var files []string
	if err := doJSON("list files", http.MethodGet, "/api/versions", nil, nil, http.StatusOK, &files); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(files) == 0 {
		_, _ = fmt.Fprintln(out, "No version history found")
		return nil
	}
	for _, f := range files {
		_, _ = fmt.Fprintln(out, f)
	}
	return nil
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	var versions []version.Version
	path := "/api/versions/" + url.PathEscape(args[0])
	if err := doJSON("list versions", http.MethodGet, path, nil, nil, http.StatusOK, &versions); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(versions) == 0 {
		_, _ = fmt.Fprintf(out, "No versions of %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tID\tCHANGE\tSIZE\tBY\tCREATED\tTAGS")
	for _, v := range versions {
		size := bytesize.Format(v.FileSize)
		if v.Compressed {
			size += " (z)"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Number, v.ID, v.ChangeType, size, v.CreatedBy, formatTime(v.CreatedAt), strings.Join(v.Tags, ","))
	}
	return w.Flush()
}

func runVersionRestore(cmd *cobra.Command, args []string) error {
	actor, _ := cmd.Flags().GetString("actor")
	if actor == "" {
		actor = userID
	}
	path := "/api/versions/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1]) + "/restore"

	var resp proto.RestoreVersionResponse
	req := proto.RestoreVersionRequest{VersionID: args[1], Actor: actor}
	if err := doJSON("restore version", http.MethodPost, path, nil, req, http.StatusOK, &resp); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Restored version %s of %s\n", args[1], args[0])
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "URL: %s\n", resp.RestoredURL)
	return nil
}

func runVersionExport(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	resp, err := makeRequest(http.MethodGet, "/api/versions/"+url.PathEscape(args[0])+"/export", nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError("export history", resp)
	}

	if output == "" {
		_, err := io.Copy(cmd.OutOrStdout(), resp.Body)
		return err
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", output, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "History of %s written to %s\n", args[0], output)
	return nil
}

func runVersionImport(cmd *cobra.Command, args []string) error {
	actor, _ := cmd.Flags().GetString("actor")
	if actor == "" {
		actor = userID
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer func() { _ = f.Close() }()

	resp, err := makeRequest(http.MethodPost, "/api/versions/import", url.Values{"actor": {actor}}, f, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError("import history", resp)
	}
	var count proto.CountResponse
	if err := decodeResponse(resp, &count); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d versions\n", count.Count)
	return nil
}
