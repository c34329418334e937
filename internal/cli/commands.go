package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/latentwalk/internal/client"
	"github.com/dunamismax/latentwalk/internal/domain"
)

func runSubmit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(out)
	conn := addConnFlags(fs)
	def := domain.DefaultGenerateRequest()
	seconds := fs.Float64("seconds", def.Seconds, "video length in seconds")
	fps := fs.Int("fps", def.FPS, "frames per second")
	res := fs.Int("res", def.OutRes, "output resolution (square)")
	anchors := fs.Int("anchors", def.Anchors, "number of anchor points in the loop")
	strength := fs.Float64("strength", def.Strength, "interpolation strength")
	sharpen := fs.Bool("sharpen", false, "sharpen each frame")
	seed := fs.String("seed", "", "walk seed (default: derived from the job ID)")
	webhook := fs.String("webhook", "", "URL notified when the job finishes")
	wait := fs.Bool("wait", false, "follow the job until it finishes")
	outDir := fs.String("out", "", "with --wait, download the video into this directory")
	plain := fs.Bool("plain", false, "with --wait, print one line per update")
	asJSON := fs.Bool("json", false, "print the acceptance as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := domain.GenerateRequest{
		Seconds:    *seconds,
		FPS:        *fps,
		OutRes:     *res,
		Anchors:    *anchors,
		Strength:   *strength,
		Sharpen:    *sharpen,
		WebhookURL: strings.TrimSpace(*webhook),
	}
	if s := strings.TrimSpace(*seed); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid --seed %q: %w", s, err)
		}
		req.Seed = &v
	}

	c, err := conn.client()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	acc, err := c.Submit(ctx, req)
	if err != nil {
		return err
	}
	if *asJSON {
		if err := printJSON(out, acc); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "submitted %s (%d frames at %dx%d)\n", acc.JobID, req.TotalFrames(), req.OutRes, req.OutRes)
	}
	if !*wait {
		return nil
	}

	final, err := follow(ctx, c, acc.JobID, out, *plain || !stdoutIsTTY())
	if err != nil {
		return err
	}
	if final.State != domain.JobStateDone || *outDir == "" {
		return nil
	}
	return download(ctx, c, acc.JobID, *outDir, out)
}

func runStatus(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(out)
	conn := addConnFlags(fs)
	asJSON := fs.Bool("json", false, "print the full snapshot as JSON")
	jobID, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}

	s, err := c.Status(context.Background(), jobID)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out, s)
	}
	fmt.Fprintln(out, statusLine(s))
	for _, line := range s.LogTail {
		fmt.Fprintf(out, "  %s\n", line)
	}
	return nil
}

func runWatch(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(out)
	conn := addConnFlags(fs)
	plain := fs.Bool("plain", false, "print one line per update instead of the live view")
	jobID, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	_, err = follow(ctx, c, jobID, out, *plain || !stdoutIsTTY())
	return err
}

func runDownload(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(out)
	conn := addConnFlags(fs)
	dest := fs.String("out", ".", "destination file or directory")
	jobID, err := parseWithID(fs, args)
	if err != nil {
		return err
	}
	c, err := conn.client()
	if err != nil {
		return err
	}
	return download(context.Background(), c, jobID, *dest, out)
}

// follow tracks a job to its terminal state and reports a failed job as an
// error.
func follow(ctx context.Context, c *client.Client, jobID string, out io.Writer, plain bool) (client.Status, error) {
	var (
		final client.Status
		err   error
	)
	if plain {
		final, err = watchJob(ctx, c, jobID, func(s client.Status) {
			fmt.Fprintln(out, statusLine(s))
		})
	} else {
		final, err = watchInteractive(ctx, c, jobID, out)
	}
	if err != nil {
		return final, err
	}
	if final.State == domain.JobStateError {
		return final, fmt.Errorf("job %s failed: %s", jobID, final.ErrorMessage)
	}
	return final, nil
}

// watchJob prefers the event stream and falls back to polling.
func watchJob(ctx context.Context, c *client.Client, jobID string, fn func(client.Status)) (client.Status, error) {
	final, err := c.Watch(ctx, jobID, fn)
	if errors.Is(err, client.ErrStreamUnavailable) {
		return c.Poll(ctx, jobID, time.Second, fn)
	}
	return final, err
}

func download(ctx context.Context, c *client.Client, jobID, dest string, out io.Writer) error {
	tmp, err := os.CreateTemp(tempDirFor(dest), ".walkctl-*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	name, n, err := c.Download(ctx, jobID, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	target := dest
	if info, statErr := os.Stat(dest); statErr == nil && info.IsDir() {
		target = filepath.Join(dest, name)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("save video: %w", err)
	}
	fmt.Fprintf(out, "saved %s (%s)\n", target, formatBytesIEC(n))
	return nil
}

func tempDirFor(dest string) string {
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return dest
	}
	return filepath.Dir(dest)
}

func statusLine(s client.Status) string {
	line := fmt.Sprintf("%s [%s] %d/%d frames (%.0f%%)", s.JobID, s.State, s.FramesDone, s.TotalFrames, s.Progress*100)
	switch {
	case s.State == domain.JobStateError && s.ErrorMessage != "":
		line += " error: " + s.ErrorMessage
	case s.LastLog() != "":
		line += " " + s.LastLog()
	}
	return line
}
