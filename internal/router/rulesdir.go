package router

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// rulesDirWatcher watches the container-rules directory and reloads the
// matching client's ruleset when its <name>.rules file changes. Grounded
// on internal/warden/policy_watcher.go's fsnotify wiring, generalized
// from one watched file to a directory of per-container rule files.
type rulesDirWatcher struct {
	dir     string
	server  *Server
	watcher *fsnotify.Watcher
}

func newRulesDirWatcher(dir string, s *Server) (*rulesDirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &rulesDirWatcher{dir: dir, server: s, watcher: w}, nil
}

// run drains fsnotify events until the program-wide shutdown future
// fires, reloading the affected client's ruleset on every write or
// create of a *.rules file.
func (w *rulesDirWatcher) run() {
	defer w.watcher.Close()
	for {
		select {
		case <-w.server.shutdown.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".rules") {
				continue
			}
			name := filepath.Base(strings.TrimSuffix(ev.Name, ".rules"))
			w.server.logger.Printf("rules file %s changed, reloading", ev.Name)
			w.server.reloadClient(name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.server.logger.Printf("rules directory watcher error: %v", err)
		}
	}
}
