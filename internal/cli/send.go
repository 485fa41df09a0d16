package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lattiq/bulkmail"
)

type sendOptions struct {
	subject        string
	body           string
	bodyFile       string
	recipientsFile string
	attachments    []string
	yes            bool
}

// NewSendCommand returns the command that runs one batch from the terminal.
func NewSendCommand() *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message to every recipient in a file, one at a time",
		Example: `  bulkmail send --subject "Hello" --body-file body.txt --recipients-file list.txt
  bulkmail send --subject "Report" --body "See attached" --recipients-file list.txt -a report.pdf --yes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			return runSend(cmd, rt, &opts)
		},
	}

	cmd.Flags().StringVarP(&opts.subject, "subject", "s", "", "Message subject")
	cmd.Flags().StringVarP(&opts.body, "body", "b", "", "Message body; newlines become line breaks")
	cmd.Flags().StringVar(&opts.bodyFile, "body-file", "", "Read the message body from a file")
	cmd.Flags().StringVarP(&opts.recipientsFile, "recipients-file", "r", "", "File with one recipient per line")
	cmd.Flags().StringArrayVarP(&opts.attachments, "attach", "a", nil, "File to attach (repeatable)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Skip the confirmation prompt")

	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
	_ = cmd.MarkFlagRequired("recipients-file")

	return cmd
}

func runSend(cmd *cobra.Command, rt *runtimeState, opts *sendOptions) error {
	req, err := opts.request()
	if err != nil {
		return err
	}

	recipients, err := bulkmail.ValidateBatch(req)
	if err != nil {
		return err
	}

	client, err := rt.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Fprintf(rt.out, "Recipients: %d\n", len(recipients))
	fmt.Fprintf(rt.out, "Transport: %s\n", client.TransportName())
	fmt.Fprintf(rt.out, "Estimated time: %s\n", bulkmail.FormatEstimate(client.EstimateDuration(len(recipients))))

	if !opts.yes {
		if !confirm(rt, fmt.Sprintf("Send to %d recipients? [y/N]: ", len(recipients))) {
			fmt.Fprintln(rt.out, "Cancelled.")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = client.SendBatch(ctx, req, bulkmail.ProgressFunc(func(message string) {
		fmt.Fprintln(rt.out, message)
	}))
	return err
}

func (o *sendOptions) request() (*bulkmail.BatchRequest, error) {
	body := o.body
	if o.bodyFile != "" {
		data, err := os.ReadFile(o.bodyFile)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		body = string(data)
	}

	recipients, err := os.ReadFile(o.recipientsFile)
	if err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}

	attachments := make([]bulkmail.Attachment, 0, len(o.attachments))
	for _, path := range o.attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		att := bulkmail.Attachment{Filename: filepath.Base(path), Data: data}
		att.MimeType = att.DetectContentType()
		attachments = append(attachments, att)
	}

	return &bulkmail.BatchRequest{
		Subject:     o.subject,
		Body:        body,
		Recipients:  string(recipients),
		Attachments: attachments,
	}, nil
}

// confirm reads one answer from the runtime input. EOF counts as "no".
func confirm(rt *runtimeState, prompt string) bool {
	fmt.Fprint(rt.out, prompt)
	answer, _ := bufio.NewReader(rt.in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
