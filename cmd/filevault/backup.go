package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/forlifetrading/filevault/internal/backup"
	"github.com/forlifetrading/filevault/pkg/bytesize"
	"github.com/forlifetrading/filevault/pkg/proto"
	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore backups",
		Long: `Create, list and restore backups of the owner's files and dashboard state.

Examples:
  filevault backup create --description "before migration"
  filevault backup create --type incremental
  filevault backup list
  filevault backup restore <backup-id>
  filevault backup delete <backup-id>`,
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Start a backup and wait for it",
		RunE:  runBackupCreate,
	}
	createCmd.Flags().String("type", string(backup.TypeManual), "manual, daily, weekly, monthly or incremental")
	createCmd.Flags().StringP("description", "d", "", "backup description")
	backupCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE:  runBackupList,
	}
	backupCmd.AddCommand(listCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore a backup",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupRestore,
	}
	backupCmd.AddCommand(restoreCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup and its archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupDelete,
	}
	backupCmd.AddCommand(deleteCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show backup statistics and the next scheduled runs",
		RunE:  runBackupStats,
	}
	backupCmd.AddCommand(statsCmd)

	return backupCmd
}

func runBackupCreate(cmd *cobra.Command, _ []string) error {
	typ, _ := cmd.Flags().GetString("type")
	description, _ := cmd.Flags().GetString("description")
	if _, err := backup.ParseType(typ); err != nil {
		return err
	}

	resp, err := makeRequest(http.MethodPost, "/api/backups", nil,
		proto.CreateBackupRequest{Type: typ, Description: description}, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	out := cmd.OutOrStdout()
	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusNoContent:
		_, _ = fmt.Fprintln(out, "No changes since the last backup")
		return nil
	default:
		return apiError("create backup", resp)
	}

	var rec backup.Record
	if err := decodeResponse(resp, &rec); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Backup %s %s: %d files, %s\n",
		rec.ID, rec.Status, rec.FileCount, bytesize.Format(rec.Size))
	return nil
}

func runBackupList(cmd *cobra.Command, _ []string) error {
	var records []backup.Record
	if err := doJSON("list backups", http.MethodGet, "/api/backups", nil, nil, http.StatusOK, &records); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No backups found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tFILES\tSIZE\tCREATED\tDESCRIPTION")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Type, r.Status, r.FileCount, bytesize.Format(r.Size), formatTime(r.CreatedAt), r.Description)
	}
	return w.Flush()
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	var res backup.RestoreResult
	path := "/api/backups/" + url.PathEscape(args[0]) + "/restore"
	if err := doJSON("restore backup", http.MethodPost, path, nil,
		proto.RestoreBackupRequest{Actor: userID}, http.StatusOK, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Restored backup %s: %d files, %d state keys\n",
		res.BackupID, res.FilesRestored, len(res.StateKeysRestored))
	if res.Partial {
		_, _ = fmt.Fprintf(out, "Warning: %d files could not be restored\n", res.FilesFailed)
	}
	return nil
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if userID != "" {
		q.Set("actor", userID)
	}
	if err := doJSON("delete backup", http.MethodDelete, "/api/backups/"+url.PathEscape(args[0]), q, nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Backup %s deleted\n", args[0])
	return nil
}

func runBackupStats(cmd *cobra.Command, _ []string) error {
	var st backup.Stats
	if err := doJSON("get backup stats", http.MethodGet, "/api/backups/stats", nil, nil, http.StatusOK, &st); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Backups:   %d (%d completed, %d failed)\n", st.TotalBackups, st.CompletedBackups, st.FailedBackups)
	_, _ = fmt.Fprintf(out, "Size:      %s\n", bytesize.Format(st.TotalSize))
	if st.LastBackup != nil {
		_, _ = fmt.Fprintf(out, "Last:      %s (%s, %s)\n", st.LastBackup.ID, st.LastBackup.Type, formatTime(st.LastBackup.CreatedAt))
	}
	if len(st.NextScheduled) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SCHEDULE\tNEXT RUN")
	for _, t := range []backup.Type{backup.TypeDaily, backup.TypeWeekly, backup.TypeMonthly} {
		if next, ok := st.NextScheduled[t]; ok {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", t, formatTime(next))
		}
	}
	return w.Flush()
}
