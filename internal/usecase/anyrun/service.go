// Package anyrun exposes sandbox operations on top of a live connection:
// task listings and lookups, search, login state and sample downloads.
package anyrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"anyrun/internal/domain"
)

// Downloader fetches artifacts over HTTP.
type Downloader interface {
	DownloadFile(ctx context.Context, taskUUID, objectUUID, token, dest string) (string, error)
	DownloadPcap(ctx context.Context, taskUUID, token, dest string) (string, error)
	FetchJSON(ctx context.Context, url string) (json.RawMessage, error)
}

// Service runs sandbox operations over one connection.
type Service struct {
	caller    Caller
	session   *Session
	downloads Downloader
	iocURL    string // contains {task}
	logger    *slog.Logger
}

// NewService creates a Service. downloads may be nil when no HTTP operations
// are needed.
func NewService(caller Caller, downloads Downloader, iocURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		caller:    caller,
		session:   NewSession(caller, logger),
		downloads: downloads,
		iocURL:    iocURL,
		logger:    logger,
	}
}

func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	return s.session.Login(ctx, email, password)
}

func (s *Service) Logout(ctx context.Context) error {
	return s.session.Logout(ctx)
}

// PublicTasks lists public tasks matching p. The service returns one window
// of domain.PublicTasksWindow tasks starting at p.Skip.
func (s *Service) PublicTasks(ctx context.Context, p domain.SearchParams) ([]domain.Task, error) {
	q, err := p.Query()
	if err != nil {
		return nil, domain.WrapOp("Service.PublicTasks", err)
	}
	records, err := s.caller.Subscribe(ctx, "publicTasks", q.Skip+domain.PublicTasksWindow, q.Skip, q)
	if err != nil {
		return nil, domain.WrapOp("Service.PublicTasks", err)
	}
	s.logger.Debug("public tasks", "count", len(records), "skip", q.Skip)
	tasks, err := domain.NewTasks(records)
	return tasks, domain.WrapOp("Service.PublicTasks", err)
}

// TaskExists returns the object ids of the task with the given uuid. An
// unknown uuid yields an empty list.
func (s *Service) TaskExists(ctx context.Context, taskUUID string) ([]string, error) {
	if err := domain.ValidateTaskUUID(taskUUID); err != nil {
		return nil, domain.WrapOp("Service.TaskExists", err)
	}
	records, err := s.caller.Subscribe(ctx, "taskexists", taskUUID)
	if err != nil {
		return nil, domain.WrapOp("Service.TaskExists", err)
	}
	ids := make([]string, 0, len(records))
	for _, raw := range records {
		var rec struct {
			TaskObjectID string `json:"taskObjectId"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, domain.WrapOp("Service.TaskExists", fmt.Errorf("%w: taskExists record: %v", domain.ErrDecode, err))
		}
		if rec.TaskObjectID != "" {
			ids = append(ids, rec.TaskObjectID)
		}
	}
	return ids, nil
}

// SingleTask fetches the full document of one task.
func (s *Service) SingleTask(ctx context.Context, taskUUID string) (domain.Task, error) {
	ids, err := s.TaskExists(ctx, taskUUID)
	if err != nil {
		return domain.Task{}, err
	}
	if len(ids) == 0 {
		return domain.Task{}, domain.NewDomainError("Service.SingleTask", domain.ErrNotFound, "uuid="+taskUUID)
	}
	records, err := s.caller.Subscribe(ctx, "singleTask", ids[0], false)
	if err != nil {
		return domain.Task{}, domain.WrapOp("Service.SingleTask", err)
	}
	if len(records) == 0 {
		return domain.Task{}, domain.NewDomainError("Service.SingleTask", domain.ErrNotFound, "no document for uuid="+taskUUID)
	}
	task, err := domain.NewTask(records[0])
	return task, domain.WrapOp("Service.SingleTask", err)
}

// Search runs a task search. Unlike PublicTasks it is a method call and may
// include the caller's private tasks when logged in.
func (s *Service) Search(ctx context.Context, p domain.SearchParams) ([]domain.Task, error) {
	q, err := p.Query()
	if err != nil {
		return nil, domain.WrapOp("Service.Search", err)
	}
	raw, err := s.caller.Call(ctx, "getTasks", q)
	if err != nil {
		return nil, domain.WrapOp("Service.Search", err)
	}
	var result struct {
		Res []json.RawMessage `json:"res"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.WrapOp("Service.Search", fmt.Errorf("%w: getTasks result: %v", domain.ErrDecode, err))
	}
	tasks, err := domain.NewTasks(result.Res)
	return tasks, domain.WrapOp("Service.Search", err)
}

// DownloadFile saves the task's sample into dest and returns its path.
// A login is required.
func (s *Service) DownloadFile(ctx context.Context, task domain.Task, dest string) (string, error) {
	if err := domain.ValidateTaskUUID(task.UUID()); err != nil {
		return "", domain.WrapOp("Service.DownloadFile", err)
	}
	token, err := s.downloadToken("Service.DownloadFile")
	if err != nil {
		return "", err
	}
	if !task.IsDownloadable() {
		return "", domain.NewDomainError("Service.DownloadFile", domain.ErrInvalidInput, "url tasks have no sample")
	}
	path, err := s.downloads.DownloadFile(ctx, task.UUID(), task.ObjectUUID(), token, dest)
	return path, domain.WrapOp("Service.DownloadFile", err)
}

// DownloadPcap saves the task's network capture into dest.
func (s *Service) DownloadPcap(ctx context.Context, taskUUID, dest string) (string, error) {
	if err := domain.ValidateTaskUUID(taskUUID); err != nil {
		return "", domain.WrapOp("Service.DownloadPcap", err)
	}
	token, err := s.downloadToken("Service.DownloadPcap")
	if err != nil {
		return "", err
	}
	path, err := s.downloads.DownloadPcap(ctx, taskUUID, token, dest)
	return path, domain.WrapOp("Service.DownloadPcap", err)
}

// IoC fetches the task's indicator report.
func (s *Service) IoC(ctx context.Context, taskUUID string) (domain.IoC, error) {
	if s.downloads == nil || s.iocURL == "" {
		return domain.IoC{}, domain.NewDomainError("Service.IoC", domain.ErrInvalidInput, "ioc url not configured")
	}
	if err := domain.ValidateTaskUUID(taskUUID); err != nil {
		return domain.IoC{}, domain.WrapOp("Service.IoC", err)
	}
	raw, err := s.downloads.FetchJSON(ctx, strings.ReplaceAll(s.iocURL, "{task}", taskUUID))
	if err != nil {
		return domain.IoC{}, domain.WrapOp("Service.IoC", err)
	}
	ioc, err := domain.NewIoC(raw)
	return ioc, domain.WrapOp("Service.IoC", err)
}

func (s *Service) downloadToken(op string) (string, error) {
	if s.downloads == nil {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "downloads not configured")
	}
	token := s.session.Token()
	if token == "" {
		return "", domain.NewDomainError(op, domain.ErrNotLoggedIn, "")
	}
	return token, nil
}
