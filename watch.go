package maskon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long a file should stay untouched before it is considered fully written.
const settleDelay = 500 * time.Millisecond

// settledFile identifies one armed countdown of a watched file.
type settledFile struct {
	name  string
	gen   int
	timer *time.Timer
}

// Watch processes the supported image files created or rewritten in the input folder
// until the context is cancelled. Files are processed one at a time, once they settled.
func (p *Processor) Watch(ctx context.Context, op *Ops, summary *Summary) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to create the folder watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(op.Src); err != nil {
		return fmt.Errorf("unable to watch %s: %w", op.Src, err)
	}
	fmt.Fprintln(p.out(), "Watching", op.Src, "for new images...")

	var (
		count   int
		gen     int
		ready   = make(chan settledFile)
		quit    = make(chan struct{})
		pending = make(map[string]settledFile)
	)
	defer func() {
		close(quit)
		for _, f := range pending {
			f.timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isImageFile(ev.Name) {
				continue
			}
			// Restart the countdown on every write, the file is still being copied.
			// A timer which already fired cannot be stopped, its generation tells it apart.
			if f, ok := pending[ev.Name]; ok {
				f.timer.Stop()
			}
			gen++
			name, g := ev.Name, gen
			timer := time.AfterFunc(settleDelay, func() {
				select {
				case ready <- settledFile{name: name, gen: g}:
				case <-quit:
				case <-ctx.Done():
				}
			})
			pending[name] = settledFile{name: name, gen: g, timer: timer}
		case f := <-ready:
			if cur, ok := pending[f.name]; !ok || cur.gen != f.gen {
				continue
			}
			delete(pending, f.name)
			count++
			res := p.process(f.name, op.Dst)
			summary.add(res)
			p.printOpStatus(strconv.Itoa(count), res)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				fmt.Fprintln(p.out(), "Some folder events were lost, rerun the batch to catch up.")
				continue
			}
			return fmt.Errorf("folder watcher failed: %w", err)
		}
	}
}
