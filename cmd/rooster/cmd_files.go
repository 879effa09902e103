package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashureev/resume-rooster/internal/client"
	"github.com/ashureev/resume-rooster/internal/domain"
)

var (
	uploadType string
	uploadText string
	uploadURL  string
	listType   string
)

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesListCmd, filesUploadCmd, filesDeleteCmd, filesCleanupCmd)

	filesListCmd.Flags().StringVarP(&listType, "type", "t", "", "only list work-experience or job-description files")
	filesUploadCmd.Flags().StringVarP(&uploadType, "type", "t", string(domain.FileTypeWorkExperience), "work-experience or job-description")
	filesUploadCmd.Flags().StringVar(&uploadText, "text", "", "upload this text instead of files")
	filesUploadCmd.Flags().StringVar(&uploadURL, "url", "", "import a job posting from a URL")
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage uploaded documents",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var fileType domain.FileType
		if listType != "" {
			ft, err := domain.ParseFileType(listType)
			if err != nil {
				return err
			}
			fileType = ft
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		files, err := c.ListFiles(cmd.Context(), fileType)
		if err != nil {
			return fmt.Errorf("list files: %w", err)
		}
		if len(files) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No files uploaded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tNAME\tUPLOADED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				f.FileID,
				f.FileType,
				f.DisplayName,
				f.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var filesUploadCmd = &cobra.Command{
	Use:   "upload [file...]",
	Short: "Upload documents, pasted text, or a job posting URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		fileType, err := domain.ParseFileType(uploadType)
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}

		var res client.UploadResult
		switch {
		case uploadURL != "":
			res, err = c.UploadURL(cmd.Context(), fileType, uploadURL)
		case uploadText != "":
			res, err = c.UploadText(cmd.Context(), fileType, uploadText)
		case len(args) > 0:
			files := make([]client.LocalFile, 0, len(args))
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				files = append(files, client.LocalFile{Name: filepath.Base(path), Content: f})
			}
			res, err = c.UploadFiles(cmd.Context(), fileType, files)
		default:
			return fmt.Errorf("give files to upload, --text or --url")
		}
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Message)
		for _, f := range res.Evicted {
			fmt.Fprintf(out, "  replaced %s\n", f.DisplayName)
		}
		if res.Tokens > 0 {
			fmt.Fprintf(out, "  about %d tokens\n", res.Tokens)
		}
		return nil
	},
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <file-id>",
	Short: "Delete one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeleteFile(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var filesCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete every uploaded document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		res, err := c.DeleteAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d vector store files and %d files\n",
			res.DeletedVectorStoreFiles, res.DeletedFiles)
		return nil
	},
}
