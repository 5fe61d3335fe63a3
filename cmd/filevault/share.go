package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/forlifetrading/filevault/internal/share"
	"github.com/forlifetrading/filevault/pkg/proto"
	"github.com/spf13/cobra"
)

func newShareCmd() *cobra.Command {
	shareCmd := &cobra.Command{
		Use:   "share",
		Short: "Manage share links",
		Long: `Manage share links and direct shares.

A share link gives anyone holding its URL access to one file, limited by
expiry, an optional password, permissions and a download cap.

Examples:
  # Share a file for two days, downloads allowed, at most 5 downloads
  filevault share create contract-2024 --url <file-url> --expires 48h \
    --permissions view,download --max-downloads 5

  # Shares of a file
  filevault share list --file contract-2024

  # Revoke a share
  filevault share revoke <share-id>`,
	}

	createCmd := &cobra.Command{
		Use:   "create <file-id>",
		Short: "Create a share link",
		Args:  cobra.ExactArgs(1),
		RunE:  runShareCreate,
	}
	createCmd.Flags().String("url", "", "URL of the shared file")
	createCmd.Flags().String("name", "", "file name shown to recipients")
	createCmd.Flags().Duration("expires", 0, "lifetime of the link (server default when zero)")
	createCmd.Flags().String("password", "", "require this password")
	createCmd.Flags().StringSlice("permissions", nil, "view, download, edit or admin (default view)")
	createCmd.Flags().Int("max-downloads", 0, "download cap (0 = unlimited)")
	shareCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List shares by file, creator or recipient",
		RunE:  runShareList,
	}
	listCmd.Flags().String("file", "", "shares of this file")
	listCmd.Flags().String("shared-with", "", "direct shares naming this user")
	shareCmd.AddCommand(listCmd)

	infoCmd := &cobra.Command{
		Use:   "info <share-id>",
		Short: "Show share details and analytics",
		Args:  cobra.ExactArgs(1),
		RunE:  runShareInfo,
	}
	shareCmd.AddCommand(infoCmd)

	revokeCmd := &cobra.Command{
		Use:   "revoke <share-id>",
		Short: "Revoke a share",
		Args:  cobra.ExactArgs(1),
		RunE:  runShareRevoke,
	}
	shareCmd.AddCommand(revokeCmd)

	qrCmd := &cobra.Command{
		Use:   "qr <share-id>",
		Short: "Save the QR code of a share link as PNG",
		Args:  cobra.ExactArgs(1),
		RunE:  runShareQR,
	}
	qrCmd.Flags().StringP("output", "o", "", "output file (default <share-id>.png)")
	qrCmd.Flags().Int("size", 0, "image size in pixels")
	shareCmd.AddCommand(qrCmd)

	return shareCmd
}

func runShareCreate(cmd *cobra.Command, args []string) error {
	fileURL, _ := cmd.Flags().GetString("url")
	name, _ := cmd.Flags().GetString("name")
	expires, _ := cmd.Flags().GetDuration("expires")
	password, _ := cmd.Flags().GetString("password")
	perms, _ := cmd.Flags().GetStringSlice("permissions")
	maxDownloads, _ := cmd.Flags().GetInt("max-downloads")

	if _, err := share.ParsePermissions(perms); err != nil {
		return err
	}
	if expires < 0 {
		return fmt.Errorf("--expires must not be negative")
	}

	req := proto.CreateShareRequest{
		FileID:       args[0],
		FileURL:      fileURL,
		FileName:     name,
		Creator:      userID,
		Password:     password,
		Permissions:  perms,
		MaxDownloads: maxDownloads,
	}
	if expires > 0 {
		at := time.Now().Add(expires).UTC()
		req.ExpiresAt = &at
	}

	var link share.Link
	if err := doJSON("create share", http.MethodPost, "/api/shares", nil, req, http.StatusCreated, &link); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Share %s created\n", link.ShareID)
	_, _ = fmt.Fprintf(out, "URL:         %s\n", link.ShareURL)
	_, _ = fmt.Fprintf(out, "Expires:     %s\n", formatTime(link.ExpiresAt))
	_, _ = fmt.Fprintf(out, "Permissions: %s\n", joinPermissions(link.Permissions))
	return nil
}

func runShareList(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString("file")
	sharedWith, _ := cmd.Flags().GetString("shared-with")
	q := url.Values{}
	switch {
	case file != "":
		q.Set("file", file)
	case sharedWith != "":
		q.Set("sharedWith", sharedWith)
	case userID != "":
		q.Set("user", userID)
	default:
		return fmt.Errorf("one of --file, --shared-with or --user is required")
	}

	var grants []share.Grant
	if err := doJSON("list shares", http.MethodGet, "/api/shares", q, nil, http.StatusOK, &grants); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(grants) == 0 {
		_, _ = fmt.Fprintln(out, "No shares found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tFILE\tPERMISSIONS\tDOWNLOADS\tEXPIRES\tACTIVE")
	for _, g := range grants {
		downloads := strconv.Itoa(g.DownloadCount)
		if g.MaxDownloads > 0 {
			downloads += "/" + strconv.Itoa(g.MaxDownloads)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			g.ID, g.Kind, g.FileID, joinPermissions(g.Permissions), downloads, formatOptionalTime(g.ExpiresAt), g.Active)
	}
	return w.Flush()
}

func runShareInfo(cmd *cobra.Command, args []string) error {
	id := url.PathEscape(args[0])
	var g share.Grant
	if err := doJSON("get share", http.MethodGet, "/api/shares/"+id, nil, nil, http.StatusOK, &g); err != nil {
		return err
	}
	var a share.Analytics
	if err := doJSON("get share analytics", http.MethodGet, "/api/shares/"+id+"/analytics", nil, nil, http.StatusOK, &a); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Share:       %s (%s)\n", g.ID, g.Kind)
	_, _ = fmt.Fprintf(out, "File:        %s\n", g.FileID)
	if g.FileName != "" {
		_, _ = fmt.Fprintf(out, "Name:        %s\n", g.FileName)
	}
	_, _ = fmt.Fprintf(out, "Created:     %s by %s\n", formatTime(g.CreatedAt), g.CreatedBy)
	_, _ = fmt.Fprintf(out, "Expires:     %s\n", formatOptionalTime(g.ExpiresAt))
	_, _ = fmt.Fprintf(out, "Permissions: %s\n", joinPermissions(g.Permissions))
	_, _ = fmt.Fprintf(out, "Password:    %t\n", g.PasswordProtected)
	_, _ = fmt.Fprintf(out, "Active:      %t\n", g.Active)
	if len(g.SharedWith) > 0 {
		_, _ = fmt.Fprintf(out, "Shared with: %s\n", strings.Join(g.SharedWith, ", "))
	}
	_, _ = fmt.Fprintf(out, "Views:       %d\n", a.TotalViews)
	_, _ = fmt.Fprintf(out, "Downloads:   %d\n", a.TotalDownloads)
	_, _ = fmt.Fprintf(out, "Visitors:    %d\n", a.UniqueRequesters)
	_, _ = fmt.Fprintf(out, "Last access: %s\n", formatOptionalTime(a.LastAccessed))
	return nil
}

func runShareRevoke(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if userID != "" {
		q.Set("actor", userID)
	}
	if err := doJSON("revoke share", http.MethodDelete, "/api/shares/"+url.PathEscape(args[0]), q, nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Share %s revoked\n", args[0])
	return nil
}

func runShareQR(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	size, _ := cmd.Flags().GetInt("size")
	if output == "" {
		output = args[0] + ".png"
	}
	q := url.Values{}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}

	resp, err := makeRequest(http.MethodGet, "/share/"+url.PathEscape(args[0])+"/qr", q, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError("get QR code", resp)
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
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "QR code saved to %s\n", output)
	return nil
}

func joinPermissions(perms []share.Permission) string {
	s := make([]string, len(perms))
	for i, p := range perms {
		s[i] = string(p)
	}
	return strings.Join(s, ",")
}
