package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/state"
)

const consoleHelp = `Commands:
  show              print the current question
  n, next / p, prev move between questions (ArrowRight / ArrowLeft)
  goto <n>          jump to question n
  answer <value>    option number for multiple choice, text for essays
  file <path>       attach a local file to a file-upload question
  clear             clear the current answer
  flag              flag or unflag the current question (f)
  save              save now (ctrl+s)
  list              question overview
  status            clock, progress, save and network status
  offline, online   report a connectivity change
  submit            submit; asks for confirmation when questions are unanswered
  submit!           submit without confirmation
  quit              leave; progress stays saved
`

// console is the line-oriented front end of a session.
type console struct {
	sess        *service.Session
	in          *bufio.Scanner
	interactive bool

	mu  sync.Mutex
	out io.Writer

	finished chan struct{}
	once     sync.Once
}

func newConsole(sess *service.Session, in io.Reader, out io.Writer, interactive bool) *console {
	c := &console{
		sess:        sess,
		in:          bufio.NewScanner(in),
		interactive: interactive,
		out:         out,
		finished:    make(chan struct{}),
	}
	c.in.Buffer(make([]byte, 64*1024), 1<<20)
	sess.OnEvent(c.event)
	return c
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) event(e model.Event) {
	switch e.Kind {
	case model.EventFiveMinuteWarning:
		c.printf("\n! Five minutes remaining.\n")
	case model.EventOneMinuteWarning:
		c.printf("\n! One minute remaining.\n")
	case model.EventTimeExpired:
		c.printf("\n! Time is up. Submitting your answers.\n")
	case model.EventSaveStatus:
		switch e.SaveStatus {
		case model.SaveStatusSaved:
			c.printf("[saved]\n")
		case model.SaveStatusError:
			c.printf("[save failed: %v]\n", e.Err)
		}
	case model.EventNetworkStatus:
		c.printf("[network %s]\n", e.Network)
	case model.EventSubmitted:
		c.printf("\nSubmitted (%s) at %s.\n", e.Trigger, e.At.Format(time.Kitchen))
		c.once.Do(func() { close(c.finished) })
	case model.EventSubmitFailed:
		c.printf("\nSubmission failed: %v\n", e.Err)
	}
}

// leaveFlushTimeout bounds the final save when the console exits early.
const leaveFlushTimeout = 5 * time.Second

func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		for c.in.Scan() {
			select {
			case lines <- c.in.Text():
			case <-stop:
				return
			}
		}
	}()

	c.printf("%s", consoleHelp)
	c.show()

	for {
		c.prompt()
		select {
		case <-ctx.Done():
			c.printf("\nInterrupted.\n")
			c.leave()
			return nil
		case <-c.finished:
			return nil
		case line, ok := <-lines:
			if !ok {
				c.leave()
				return nil
			}
			done, err := c.exec(ctx, strings.TrimSpace(line))
			if err != nil {
				c.printf("error: %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// leave saves whatever the debounce is still holding before the session
// is disposed.
func (c *console) leave() {
	select {
	case <-c.finished:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveFlushTimeout)
	defer cancel()
	if err := c.sess.Flush(ctx); err != nil {
		c.printf("Could not save before leaving: %v\n", err)
		return
	}
	c.printf("Progress saved.\n")
}

func (c *console) prompt() {
	if !c.interactive {
		return
	}
	clock, band := c.sess.Clock()
	st := c.sess.State()
	c.printf("[%s %s | Q%d/%d | %d%%] > ", clock, band, st.CurrentIndex+1, len(st.Answers), c.sess.Progress())
}

func (c *console) exec(ctx context.Context, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return false, nil
	case "help", "?":
		c.printf("%s", consoleHelp)
	case "show":
		c.show()
	case "n", "next":
		if err := c.sess.HandleKey(service.KeyNext); err != nil {
			return false, err
		}
		c.show()
	case "p", "prev":
		if err := c.sess.HandleKey(service.KeyPrev); err != nil {
			return false, err
		}
		c.show()
	case "goto":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("goto expects a question number")
		}
		if err := c.sess.Navigate(n - 1); err != nil {
			return false, err
		}
		c.show()
	case "answer", "a":
		return false, c.answer(arg)
	case "file":
		return false, c.attach(arg)
	case "clear":
		_, err := c.sess.UpdateAnswer(c.sess.State().CurrentIndex, nil)
		return false, err
	case "flag", "f":
		return false, c.sess.HandleKey(service.KeyFlag)
	case "save", "ctrl+s":
		return false, c.sess.HandleKey(service.KeySave)
	case "list":
		c.list()
	case "status":
		c.status()
	case "offline":
		c.sess.ReportNetwork(model.NetworkStatusOffline)
	case "online":
		c.sess.ReportNetwork(model.NetworkStatusOnline)
	case "submit":
		return c.submit(ctx, false)
	case "submit!":
		return c.submit(ctx, true)
	case "quit", "exit":
		c.leave()
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type help", cmd)
	}
	return false, nil
}

func (c *console) answer(arg string) error {
	index := c.sess.State().CurrentIndex
	q := c.sess.Questions()[index]

	var raw any
	switch q.Kind.(type) {
	case model.MCQ:
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("answer expects an option number")
		}
		raw = n - 1
	case model.Essay:
		raw = arg
	case model.FileUpload:
		return errors.New("use file <path> for this question")
	}

	if _, err := c.sess.UpdateAnswer(index, raw); err != nil {
		return err
	}
	if _, ok := q.Kind.(model.Essay); ok {
		count, limit, _ := c.sess.WordCount(index)
		if limit > 0 {
			c.printf("%d / %d words\n", count, limit)
		}
	}
	return nil
}

func (c *console) attach(path string) error {
	if path == "" {
		return errors.New("file expects a path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	meta := model.FileMeta{
		FileName:   info.Name(),
		FileSize:   info.Size(),
		FileType:   mime.TypeByExtension(filepath.Ext(path)),
		UploadTime: model.NewTimestamp(time.Now()),
	}
	_, err = c.sess.UpdateAnswer(c.sess.State().CurrentIndex, meta)
	return err
}

func (c *console) submit(ctx context.Context, confirmed bool) (bool, error) {
	_, err := c.sess.Submit(ctx, confirmed)
	var warn *model.ValidationWarning
	switch {
	case errors.As(err, &warn):
		nums := make([]string, len(warn.Unanswered))
		for i, idx := range warn.Unanswered {
			nums[i] = strconv.Itoa(idx + 1)
		}
		c.printf("%d unanswered (%s). Type submit! to submit anyway.\n", len(nums), strings.Join(nums, ", "))
		return false, nil
	case err != nil:
		return false, err
	}
	select {
	case <-c.finished:
	case <-ctx.Done():
	}
	return true, nil
}

func (c *console) show() {
	st := c.sess.State()
	i := st.CurrentIndex
	q := c.sess.Questions()[i]
	status, _ := c.sess.QuestionStatus(i)

	var b strings.Builder
	fmt.Fprintf(&b, "\nQuestion %d of %d (%s, %g marks) [%s]\n", i+1, len(st.Answers), q.Type(), q.MaxMark, status)
	fmt.Fprintf(&b, "%s\n", state.PlainText(q.Text))

	switch k := q.Kind.(type) {
	case model.MCQ:
		ans, _ := st.Answers[i].(model.MCQAnswer)
		for j, opt := range k.Options {
			mark := " "
			if ans.SelectedOptionIndex != nil && *ans.SelectedOptionIndex == j {
				mark = "*"
			}
			fmt.Fprintf(&b, "  %s %d) %s\n", mark, j+1, opt.Text)
		}
	case model.Essay:
		ans, _ := st.Answers[i].(model.EssayAnswer)
		if ans.IsAnswered {
			fmt.Fprintf(&b, "  your answer: %s\n", state.PlainText(ans.Content))
		}
		if k.WordLimit > 0 {
			count, limit, _ := c.sess.WordCount(i)
			fmt.Fprintf(&b, "  %d / %d words\n", count, limit)
		}
	case model.FileUpload:
		fmt.Fprintf(&b, "  accepted: %s, up to %s\n", strings.Join(k.AllowedFileTypes, ", "), humanBytes(k.MaxFileSizeBytes))
		if ans, _ := st.Answers[i].(model.FileAnswer); ans.File != nil {
			fmt.Fprintf(&b, "  attached: %s (%s)\n", ans.File.FileName, humanBytes(ans.File.FileSize))
		}
	}
	c.printf("%s", b.String())
}

func (c *console) list() {
	st := c.sess.State()
	var b strings.Builder
	for i := range st.Answers {
		status, _ := c.sess.QuestionStatus(i)
		fmt.Fprintf(&b, "  %2d  %s\n", i+1, status)
	}
	c.printf("%s", b.String())
}

func (c *console) status() {
	st := c.sess.State()
	clock, band := c.sess.Clock()
	c.printf("time %s (%s)  progress %d%%  flagged %d  save %s  network %s  %s\n",
		clock, band, c.sess.Progress(), len(st.Flagged), st.SaveStatus, st.NetworkStatus, st.CompletionStatus)
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
