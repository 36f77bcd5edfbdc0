package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const defaultSnapshotCacheSize = 32

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type snapshotCacheKey struct {
	key     BoardKey
	version Version
}

// `BoardStore` backed by the platform http api. Historical snapshots are
// immutable, so they are cached indefinitely in a bounded lru.
type BoardApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	byJwt  string

	httpClient *http.Client

	snapshotCache *lru.Cache[snapshotCacheKey, *Board]
}

func NewBoardApi(apiUrl string) *BoardApi {
	return NewBoardApiWithContext(context.Background(), apiUrl)
}

func NewBoardApiWithContext(ctx context.Context, apiUrl string) *BoardApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	snapshotCache, err := lru.New[snapshotCacheKey, *Board](defaultSnapshotCacheSize)
	if err != nil {
		panic(err)
	}

	return &BoardApi{
		ctx:           cancelCtx,
		cancel:        cancel,
		apiUrl:        apiUrl,
		httpClient:    defaultClient(),
		snapshotCache: snapshotCache,
	}
}

// this gets attached to api calls that need it
func (self *BoardApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *BoardApi) boardUrl(key BoardKey, parts ...string) string {
	u := fmt.Sprintf(
		"%s/apps/%s/boards/%s",
		self.apiUrl,
		url.PathEscape(key.AppId),
		url.PathEscape(key.BoardId),
	)
	for _, part := range parts {
		u = fmt.Sprintf("%s/%s", u, part)
	}
	return u
}

type executeCommandsArgs struct {
	Commands []*Command `json:"commands"`
}

type executeCommandsResult struct {
	ExecutedCommands []*ExecutedCommand `json:"executed_commands"`
}

type undoRedoArgs struct {
	Batch []*ExecutedCommand `json:"batch"`
}

type createVersionResult struct {
	Version Version `json:"version"`
}

type listVersionsResult struct {
	Versions []Version `json:"versions"`
}

func (self *BoardApi) GetBoard(ctx context.Context, key BoardKey, version *Version) (*Board, error) {
	if version != nil {
		cacheKey := snapshotCacheKey{
			key:     key,
			version: *version,
		}
		if board, ok := self.snapshotCache.Get(cacheKey); ok {
			glog.V(2).Infof("[api]%s snapshot %s cached\n", key, version)
			return board.Clone(), nil
		}
		board := &Board{}
		err := self.get(ctx, self.boardUrl(key, "versions", version.String()), board)
		if err != nil {
			return nil, err
		}
		self.snapshotCache.Add(cacheKey, board.Clone())
		return board, nil
	}

	board := &Board{}
	if err := self.get(ctx, self.boardUrl(key), board); err != nil {
		return nil, err
	}
	return board, nil
}

func (self *BoardApi) ExecuteCommands(ctx context.Context, key BoardKey, commands []*Command) ([]*ExecutedCommand, error) {
	if len(commands) == 0 {
		return []*ExecutedCommand{}, nil
	}

	args := &executeCommandsArgs{
		Commands: commands,
	}
	result := &executeCommandsResult{}
	if err := self.post(ctx, self.boardUrl(key, "commands"), args, result); err != nil {
		if len(commands) == 1 {
			return nil, &CommandRejectedError{
				Command: commands[0],
				Err:     err,
			}
		}
		return nil, err
	}
	if len(result.ExecutedCommands) != len(commands) {
		return nil, fmt.Errorf(
			"store returned %d confirmations for %d commands",
			len(result.ExecutedCommands),
			len(commands),
		)
	}
	return result.ExecutedCommands, nil
}

func (self *BoardApi) Undo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error {
	args := &undoRedoArgs{
		Batch: batch,
	}
	return self.post(ctx, self.boardUrl(key, "undo"), args, nil)
}

func (self *BoardApi) Redo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error {
	args := &undoRedoArgs{
		Batch: batch,
	}
	return self.post(ctx, self.boardUrl(key, "redo"), args, nil)
}

func (self *BoardApi) CreateVersion(ctx context.Context, key BoardKey) (Version, error) {
	result := &createVersionResult{}
	if err := self.post(ctx, self.boardUrl(key, "versions"), nil, result); err != nil {
		return Version{}, err
	}
	return result.Version, nil
}

func (self *BoardApi) ListVersions(ctx context.Context, key BoardKey) ([]Version, error) {
	result := &listVersionsResult{}
	if err := self.get(ctx, self.boardUrl(key, "versions"), result); err != nil {
		return nil, err
	}
	return result.Versions, nil
}

func (self *BoardApi) get(ctx context.Context, requestUrl string, result any) error {
	return self.request(ctx, "GET", requestUrl, nil, result)
}

func (self *BoardApi) post(ctx context.Context, requestUrl string, args any, result any) error {
	return self.request(ctx, "POST", requestUrl, args, result)
}

func (self *BoardApi) request(ctx context.Context, method string, requestUrl string, args any, result any) error {
	var body io.Reader
	if args != nil {
		argsJson, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(argsJson)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestUrl, body)
	if err != nil {
		return err
	}
	if args != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if self.byJwt != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}

	response, err := self.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	responseJson, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	glog.V(2).Infof("[api]%s %s = %d\n", method, requestUrl, response.StatusCode)
	if http.StatusOK != response.StatusCode {
		return fmt.Errorf("%s %s: %d %s", method, requestUrl, response.StatusCode, string(responseJson))
	}

	if result != nil {
		if err := json.Unmarshal(responseJson, result); err != nil {
			return err
		}
	}
	return nil
}

func (self *BoardApi) Close() {
	self.cancel()
}
