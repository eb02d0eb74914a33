package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
)

// ErrJobFailed is returned when the crawled job ends with status Failed.
var ErrJobFailed = errors.New("crawl job failed")

type crawlOptions struct {
	images  bool
	timeout time.Duration
}

// newCrawlCmd creates the 'crawl' subcommand, which runs a single job to
// completion and prints its status updates.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl <root>",
		Short: "Crawls one site to completion",
		Long: `Starts a crawl job for the given root URL and prints every status update
until the job finishes. Interrupting the command stops the job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.images, "images", false, "also mirror images referenced by pages")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "stop the job after this long (0 means no limit)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, root string, opts crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	job, err := crawler.NewCrawlJob(root, opts.images)
	if err != nil {
		return fmt.Errorf("crawl %q: %w", root, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	updates := actor.NewReplyRef(1024)
	appInstance.StartJob(job, updates)
	appInstance.Logger().Info("crawl started", zap.String("job", job.Key()))

	final, err := followJob(ctx, appInstance, job, updates.Replies(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if final.Status == crawler.StatusFailed {
		return fmt.Errorf("%w: %s", ErrJobFailed, job.Key())
	}
	return nil
}

// followJob prints updates until a terminal one arrives. When ctx ends first
// the job is stopped and followJob keeps waiting for its final update.
func followJob(
	ctx context.Context,
	app App,
	job crawler.CrawlJob,
	replies <-chan any,
	out io.Writer,
) (crawler.JobStatusUpdate, error) {
	done := ctx.Done()
	var grace <-chan time.Time
	for {
		select {
		case msg := <-replies:
			update, ok := msg.(crawler.JobStatusUpdate)
			if !ok {
				continue
			}
			printUpdate(out, update)
			if update.Status.Terminal() {
				return update, nil
			}
		case <-done:
			done = nil
			grace = time.After(closeTimeout)
			app.StopJob(job)
		case <-grace:
			return crawler.JobStatusUpdate{}, fmt.Errorf("job %s did not stop in time", job.Key())
		}
	}
}

func printUpdate(out io.Writer, u crawler.JobStatusUpdate) {
	_, _ = fmt.Fprintf(out, "%-8s html %d/%d images %d/%d bytes %d elapsed %s\n",
		u.Status,
		u.Stats.HTMLDownloaded, u.Stats.HTMLDiscovered,
		u.Stats.ImagesDownloaded, u.Stats.ImagesDiscovered,
		u.Stats.TotalBytes(),
		u.Elapsed.Round(time.Millisecond),
	)
}
