package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

const boardFileSuffix = ".board.json"

// `BoardStore` for the fully local (offline) workspace: boards live as
// json files in a directory and commands apply in process with the
// reference semantics. A filesystem watcher turns external writes to a
// board file (another tool, a sync client) into the same change signal a
// peer beacon would produce, so the reconciler picks them up without a
// realtime session.
type LocalBoardStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	dir    string
	memory *MemoryBoardStore

	watcher *fsnotify.Watcher

	stateLock sync.Mutex
	// crc of the last content this store wrote or loaded per path, to
	// drop watcher echoes of our own writes
	fileHashes map[string]uint32
}

func NewLocalBoardStore(ctx context.Context, dir string) (*LocalBoardStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	store := &LocalBoardStore{
		ctx:        cancelCtx,
		cancel:     cancel,
		dir:        dir,
		memory:     NewMemoryBoardStore(),
		watcher:    watcher,
		fileHashes: map[string]uint32{},
	}
	go store.run()
	return store, nil
}

func (self *LocalBoardStore) AddChangeCallback(changeCallback BoardChangeFunction) func() {
	return self.memory.AddChangeCallback(changeCallback)
}

// loads the board file into the store, creating a new board if none
// exists yet
func (self *LocalBoardStore) OpenBoard(key BoardKey) (*Board, error) {
	path := self.boardPath(key)

	boardJson, err := os.ReadFile(path)
	if err == nil {
		board := &Board{}
		if err := json.Unmarshal(boardJson, board); err != nil {
			return nil, fmt.Errorf("corrupt board file %s: %w", path, err)
		}
		self.rememberHash(path, boardJson)
		self.memory.PutBoard(key, board)
		return board, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	board := NewBoard(key.BoardId)
	self.memory.PutBoard(key, board)
	if err := self.saveBoard(key); err != nil {
		return nil, err
	}
	return board, nil
}

func (self *LocalBoardStore) GetBoard(ctx context.Context, key BoardKey, version *Version) (*Board, error) {
	return self.memory.GetBoard(ctx, key, version)
}

func (self *LocalBoardStore) ExecuteCommands(ctx context.Context, key BoardKey, commands []*Command) ([]*ExecutedCommand, error) {
	executedCommands, err := self.memory.ExecuteCommands(ctx, key, commands)
	if err != nil {
		return nil, err
	}
	if err := self.saveBoard(key); err != nil {
		glog.Infof("[local]%s save error = %s\n", key, err)
	}
	return executedCommands, nil
}

func (self *LocalBoardStore) Undo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error {
	if err := self.memory.Undo(ctx, key, batch); err != nil {
		return err
	}
	if err := self.saveBoard(key); err != nil {
		glog.Infof("[local]%s save error = %s\n", key, err)
	}
	return nil
}

func (self *LocalBoardStore) Redo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error {
	if err := self.memory.Redo(ctx, key, batch); err != nil {
		return err
	}
	if err := self.saveBoard(key); err != nil {
		glog.Infof("[local]%s save error = %s\n", key, err)
	}
	return nil
}

func (self *LocalBoardStore) CreateVersion(ctx context.Context, key BoardKey) (Version, error) {
	version, err := self.memory.CreateVersion(ctx, key)
	if err != nil {
		return Version{}, err
	}
	if err := self.saveBoard(key); err != nil {
		glog.Infof("[local]%s save error = %s\n", key, err)
	}
	return version, nil
}

func (self *LocalBoardStore) ListVersions(ctx context.Context, key BoardKey) ([]Version, error) {
	return self.memory.ListVersions(ctx, key)
}

func (self *LocalBoardStore) boardPath(key BoardKey) string {
	filename := fmt.Sprintf(
		"%s__%s%s",
		url.PathEscape(key.AppId),
		url.PathEscape(key.BoardId),
		boardFileSuffix,
	)
	return filepath.Join(self.dir, filename)
}

func parseBoardPath(path string) (BoardKey, bool) {
	filename := filepath.Base(path)
	if !strings.HasSuffix(filename, boardFileSuffix) {
		return BoardKey{}, false
	}
	filename = strings.TrimSuffix(filename, boardFileSuffix)
	parts := strings.SplitN(filename, "__", 2)
	if len(parts) != 2 {
		return BoardKey{}, false
	}
	appId, err := url.PathUnescape(parts[0])
	if err != nil {
		return BoardKey{}, false
	}
	boardId, err := url.PathUnescape(parts[1])
	if err != nil {
		return BoardKey{}, false
	}
	return NewBoardKey(appId, boardId), true
}

func (self *LocalBoardStore) saveBoard(key BoardKey) error {
	board, err := self.memory.GetBoard(self.ctx, key, nil)
	if err != nil {
		return err
	}
	boardJson, err := json.MarshalIndent(board, "", "\t")
	if err != nil {
		return err
	}
	path := self.boardPath(key)
	self.rememberHash(path, boardJson)
	return os.WriteFile(path, boardJson, 0644)
}

func (self *LocalBoardStore) rememberHash(path string, content []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.fileHashes[path] = crc32.ChecksumIEEE(content)
}

func (self *LocalBoardStore) changedSinceRemembered(path string, content []byte) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	hash := crc32.ChecksumIEEE(content)
	if self.fileHashes[path] == hash {
		return false
	}
	self.fileHashes[path] = hash
	return true
}

func (self *LocalBoardStore) run() {
	defer self.watcher.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			key, ok := parseBoardPath(event.Name)
			if !ok {
				continue
			}
			self.reload(key, event.Name)
		case err, ok := <-self.watcher.Errors:
			if !ok {
				return
			}
			glog.Infof("[local]watch error = %s\n", err)
		}
	}
}

// out-of-band edit of a board file. Loading it through `PutBoard` fires
// the same change callbacks a command would.
func (self *LocalBoardStore) reload(key BoardKey, path string) {
	boardJson, err := os.ReadFile(path)
	if err != nil {
		glog.Infof("[local]%s reload error = %s\n", key, err)
		return
	}
	if !self.changedSinceRemembered(path, boardJson) {
		// our own write echoed back
		return
	}
	board := &Board{}
	if err := json.Unmarshal(boardJson, board); err != nil {
		// possibly a partial write, the next event retries
		glog.V(1).Infof("[local]%s reload parse error = %s\n", key, err)
		return
	}
	glog.V(1).Infof("[local]%s reloaded from disk\n", key)
	self.memory.PutBoard(key, board)
}

func (self *LocalBoardStore) Close() {
	self.cancel()
}
