package main

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/forlifetrading/filevault/internal/blob"
	"github.com/forlifetrading/filevault/pkg/bytesize"
	"github.com/forlifetrading/filevault/pkg/proto"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	uploadCmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file",
		Long: `Upload a file to the blob store and print its URL.

Categories: uploads, profile, kyc, payment, versions, backup, restored.

Examples:
  filevault upload ./passport.jpg --category kyc --owner u1 --identifier passport
  filevault upload ./receipt.pdf --category payment`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}
	uploadCmd.Flags().String("category", string(blob.CategoryUploads), "storage category")
	uploadCmd.Flags().String("owner", "", "owner user id (server default when empty)")
	uploadCmd.Flags().String("identifier", "", "replaces the file name in the storage key")
	uploadCmd.Flags().String("type", "", "content type (guessed from the extension when empty)")

	return uploadCmd
}

func newFilesCmd() *cobra.Command {
	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "List uploaded files",
		RunE:  runFilesList,
	}
	filesCmd.Flags().String("owner", "", "owner user id (server default when empty)")
	filesCmd.Flags().String("category", "", "only this category")
	return filesCmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	path := args[0]
	category, _ := cmd.Flags().GetString("category")
	owner, _ := cmd.Flags().GetString("owner")
	identifier, _ := cmd.Flags().GetString("identifier")
	contentType, _ := cmd.Flags().GetString("type")

	if _, err := blob.ParseCategory(category); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	bar := progressbar.NewOptions64(info.Size(),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription("uploading "+filepath.Base(path)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	// Stream the multipart body so large files are never held in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fields := map[string]string{"category": category, "owner": owner, "identifier": identifier}
		for k, v := range fields {
			if v == "" {
				continue
			}
			if err := mw.WriteField(k, v); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(io.MultiWriter(part, bar), f); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	resp, err := makeRequest(http.MethodPost, "/api/blobs", nil, pr, mw.FormDataContentType())
	if err != nil {
		_ = pr.CloseWithError(err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_ = bar.Finish()

	if resp.StatusCode != http.StatusCreated {
		return apiError("upload "+filepath.Base(path), resp)
	}
	var out proto.UploadResponse
	if err := decodeResponse(resp, &out); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), out.URL)
	return nil
}

func runFilesList(cmd *cobra.Command, _ []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	category, _ := cmd.Flags().GetString("category")
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if category != "" {
		q.Set("category", category)
	}

	var blobs []blob.Blob
	if err := doJSON("list files", http.MethodGet, "/api/blobs", q, nil, http.StatusOK, &blobs); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(blobs) == 0 {
		_, _ = fmt.Fprintln(out, "No files found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCATEGORY\tSIZE\tTYPE\tCREATED\tURL")
	for _, b := range blobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.Name, b.Category, bytesize.Format(b.Size), b.ContentType, formatTime(b.CreatedAt), b.URL)
	}
	return w.Flush()
}
