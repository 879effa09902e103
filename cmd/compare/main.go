// compare sends the uploaded-document prompt straight to chat completions,
// as a baseline for the assistant's answers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/ashureev/resume-rooster/internal/assistant"
	"github.com/ashureev/resume-rooster/internal/config"
)

var (
	jobFile string
	model   string
)

var rootCmd = &cobra.Command{
	Use:           "compare --job <file> <work-experience-file>...",
	Short:         "Ask chat completions for a resume with the assistant's instructions",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&jobFile, "job", "", "job description file")
	rootCmd.Flags().StringVar(&model, "model", "", "chat model (defaults to OPENAI_MODEL)")
	_ = rootCmd.MarkFlagRequired("job")
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if model == "" {
		model = cfg.OpenAI.Model
	}

	job, err := readDocument(jobFile)
	if err != nil {
		return err
	}
	experience := make([]document, 0, len(args))
	for _, path := range args {
		d, err := readDocument(path)
		if err != nil {
			return err
		}
		experience = append(experience, d)
	}

	oc := openai.DefaultConfig(cfg.OpenAI.APIKey)
	if cfg.OpenAI.BaseURL != "" {
		oc.BaseURL = cfg.OpenAI.BaseURL
	}
	client := openai.NewClientWithConfig(oc)

	fmt.Fprintf(cmd.ErrOrStderr(), "Creating chat completion with %s...\n", model)
	resp, err := client.CreateChatCompletion(cmd.Context(), openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildMessages(assistant.Instructions, job, experience),
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("chat completion returned no choices")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Choices[0].Message.Content)
	fmt.Fprintf(cmd.ErrOrStderr(), "tokens: prompt=%d completion=%d total=%d\n",
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	return nil
}

type document struct {
	name    string
	content string
}

func readDocument(path string) (document, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return document{}, fmt.Errorf("%s: pdf input is not supported, convert it to text first", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return document{name: filepath.Base(path), content: string(data)}, nil
}

// buildMessages inlines the documents the assistant would otherwise find
// through file search.
func buildMessages(instructions string, job document, experience []document) []openai.ChatCompletionMessage {
	var b strings.Builder
	b.WriteString("# Project Files\n\n## /job_description.txt\n")
	b.WriteString(job.content)
	b.WriteString("\n")
	for _, d := range experience {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", d.name, d.content)
	}

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instructions},
		{Role: openai.ChatMessageRoleUser, Content: b.String()},
	}
}
