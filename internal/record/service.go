// Package record exposes the record operations of a base: create, update,
// delete and duplicate. Each operation typecasts its input, runs the compute
// pipeline inside one retried transaction per chunk, then publishes the
// resulting change batch.
package record

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/attachment"
	"github.com/alfredjeanlab/gridbase/internal/compute"
	"github.com/alfredjeanlab/gridbase/internal/events"
	"github.com/alfredjeanlab/gridbase/internal/formula"
	"github.com/alfredjeanlab/gridbase/internal/idgen"
	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/retry"
	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// Service runs record operations against a store.
type Service struct {
	store       store.Store
	schema      *schema.Loader
	eval        formula.Evaluator
	attachments attachment.Resolver
	publisher   events.Publisher
	policy      retry.Policy
	chunkSize   int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAttachments sets the resolver for attachment tokens.
func WithAttachments(r attachment.Resolver) Option {
	return func(s *Service) { s.attachments = r }
}

// WithPublisher sets where change batches are published.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRetryPolicy sets the conflict retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithChunkSize sets how many records are written per transaction.
func WithChunkSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source of last-modified fields.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a record service. loader must read from st.
func NewService(st store.Store, loader *schema.Loader, eval formula.Evaluator, opts ...Option) *Service {
	s := &Service{
		store:     st,
		schema:    loader,
		eval:      eval,
		policy:    retry.DefaultPolicy(),
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schema returns the metadata cache the service reads through.
func (s *Service) Schema() *schema.Loader { return s.schema }

// CreateRequest creates records in one table.
type CreateRequest struct {
	TableID      string
	FieldKeyType model.FieldKeyType
	Typecast     bool
	Records      []model.RecordInput
	// Order places the new records next to an existing record. Without it
	// they are appended.
	Order *model.RecordOrder
}

// UpdateRequest updates existing records of one table.
type UpdateRequest struct {
	TableID      string
	FieldKeyType model.FieldKeyType
	Typecast     bool
	Records      []model.RecordInput
}

// Response is the outcome of a record operation.
type Response struct {
	// Records are the created, updated or duplicated records as committed.
	Records []*model.Record
	// Deleted lists removed record ids.
	Deleted []string
	// Results holds one compute result per committed chunk.
	Results []*compute.Result
}

type unitFunc func(tx store.Store, sess *schema.Session, o *compute.Orchestrator) (*compute.Result, error)

// unit runs fn in a retried transaction with a fresh metadata session and
// orchestrator per attempt. After commit it publishes metadata changes and
// the change batch.
func (s *Service) unit(ctx context.Context, topic string, fn unitFunc) (*compute.Result, error) {
	var (
		res  *compute.Result
		sess *schema.Session
		o    *compute.Orchestrator
	)
	err := retry.Do(ctx, s.policy, s.logger, func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, func(tx store.Store) error {
			sess = s.schema.Session(tx)
			o = compute.NewOrchestrator(tx, sess, s.eval, compute.WithClock(s.now), compute.WithLogger(s.logger))
			var err error
			res, err = fn(tx, sess, o)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	sess.Commit()
	s.publishSchema(ctx, sess.Dirty())
	if res != nil {
		o.Publish(ctx, s.publisher, s.store, topic, res)
	}
	return res, nil
}

func (s *Service) publishSchema(ctx context.Context, tableIDs []string) {
	if s.publisher == nil {
		return
	}
	for _, id := range tableIDs {
		t, err := s.schema.Table(ctx, id)
		if err != nil {
			s.logger.Warn("failed to reload table after schema change", "table", id, "err", err)
			continue
		}
		if err := s.publisher.Publish(ctx, events.TopicSchemaUpdated, events.SchemaUpdated{TableID: id, Version: t.Version}); err != nil {
			s.logger.Warn("failed to publish schema update", "table", id, "err", err)
		}
	}
}

// CreateRecords inserts records, assigning ids to inputs without one. Ids
// are fixed before the first attempt so a retried chunk reuses them.
func (s *Service) CreateRecords(ctx context.Context, op model.OperationContext, req CreateRequest) (*Response, error) {
	if len(req.Records) == 0 {
		return nil, model.NewValidationError("records", nil, "at least one record is required")
	}
	inputs, err := assignIDs(req.Records)
	if err != nil {
		return nil, err
	}
	keyType := keyTypeOr(req.FieldKeyType)
	if err := s.checkWritable(ctx, req.TableID, keyType, inputs); err != nil {
		return nil, err
	}
	order := req.Order

	resp := &Response{}
	parts := chunks(len(inputs), s.chunkSize)
	for i, part := range parts {
		batch := inputs[part[0]:part[1]]
		chunk := chunkOp(op, i, len(parts))
		res, err := s.unit(ctx, events.TopicRecordsCreated, func(tx store.Store, sess *schema.Session, o *compute.Orchestrator) (*compute.Result, error) {
			table, err := sess.Table(ctx, req.TableID)
			if err != nil {
				return nil, err
			}
			cast, err := compute.NewTypecaster(tx, sess, s.attachments, s.logger).TypecastRecords(ctx, table, keyType, batch, req.Typecast)
			if err != nil {
				return nil, err
			}
			return s.insert(ctx, tx, o, chunk, table, cast, order)
		})
		if err != nil {
			return nil, chunkFailed(i, len(parts), resp.Records, err)
		}
		recs, err := s.readBack(ctx, req.TableID, idsOf(batch))
		if err != nil {
			return nil, err
		}
		resp.Records = append(resp.Records, recs...)
		resp.Results = append(resp.Results, res)

		// Later chunks follow the records just placed.
		if order != nil && order.Position != model.PositionBefore {
			order = &model.RecordOrder{AnchorID: batch[len(batch)-1].ID, Position: model.PositionAfter}
		}
	}
	s.logger.Debug("created records", "table", req.TableID, "count", len(resp.Records), "chunks", len(parts))
	return resp, nil
}

// insert runs the pipeline for records whose cells are already valid.
func (s *Service) insert(ctx context.Context, tx store.Store, o *compute.Orchestrator, op model.OperationContext,
	table *model.Table, cast []model.RecordInput, order *model.RecordOrder) (*compute.Result, error) {

	contexts, err := compute.BuildCellContexts(ctx, tx, table, model.FieldKeyID, cast, true, nil)
	if err != nil {
		return nil, err
	}
	var positions []float64
	if order != nil {
		if positions, err = placeRecords(ctx, tx, table.ID, *order, len(cast)); err != nil {
			return nil, err
		}
	}
	src := compute.Source{TableID: table.ID, Contexts: contexts, NewRecords: idsOf(cast)}
	return o.ComputeCellChangesForRecordsMulti(ctx, op, []compute.Source{src}, compute.BaseWriteFunc(func(ctx context.Context, set *compute.TableSet) error {
		recs := make([]*model.Record, len(cast))
		for i, in := range cast {
			r := &model.Record{ID: in.ID, Fields: make(map[string]any, len(in.Fields)), CreatedBy: op.UserID}
			if positions != nil {
				r.Order = positions[i]
			}
			for k, v := range in.Fields {
				if !model.IsEmptyValue(v) {
					r.Fields[k] = v
				}
			}
			recs[i] = r
		}
		if err := set.Store().InsertRecords(ctx, table.ID, recs); err != nil {
			return fmt.Errorf("insert records into %s: %w", table.ID, err)
		}
		return set.CommitForeignKeys(ctx)
	}))
}

// UpdateRecords writes the given cells of existing records.
func (s *Service) UpdateRecords(ctx context.Context, op model.OperationContext, req UpdateRequest) (*Response, error) {
	if len(req.Records) == 0 {
		return nil, model.NewValidationError("records", nil, "at least one record is required")
	}
	for _, in := range req.Records {
		if in.ID == "" {
			return nil, model.NewValidationError("id", nil, "record id is required")
		}
	}
	keyType := keyTypeOr(req.FieldKeyType)
	if err := s.checkWritable(ctx, req.TableID, keyType, req.Records); err != nil {
		return nil, err
	}

	resp := &Response{}
	parts := chunks(len(req.Records), s.chunkSize)
	for i, part := range parts {
		batch := req.Records[part[0]:part[1]]
		chunk := chunkOp(op, i, len(parts))
		res, err := s.unit(ctx, events.TopicRecordsUpdated, func(tx store.Store, sess *schema.Session, o *compute.Orchestrator) (*compute.Result, error) {
			table, err := sess.Table(ctx, req.TableID)
			if err != nil {
				return nil, err
			}
			cast, err := compute.NewTypecaster(tx, sess, s.attachments, s.logger).TypecastRecords(ctx, table, keyType, batch, req.Typecast)
			if err != nil {
				return nil, err
			}
			contexts, err := compute.BuildCellContexts(ctx, tx, table, model.FieldKeyID, cast, false, nil)
			if err != nil {
				return nil, err
			}
			return o.ComputeCellChangesForRecords(ctx, chunk, table.ID, contexts, compute.BaseWriteFunc(func(ctx context.Context, set *compute.TableSet) error {
				return set.WriteContexts(ctx, table.ID)
			}))
		})
		if err != nil {
			return nil, chunkFailed(i, len(parts), resp.Records, err)
		}
		recs, err := s.readBack(ctx, req.TableID, idsOf(batch))
		if err != nil {
			return nil, err
		}
		resp.Records = append(resp.Records, recs...)
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

// DeleteRecords removes records and shrinks every link cell pointing at them.
func (s *Service) DeleteRecords(ctx context.Context, op model.OperationContext, tableID string, recordIDs []string) (*Response, error) {
	ids := dedupe(recordIDs)
	if len(ids) == 0 {
		return nil, model.NewValidationError("records", nil, "at least one record id is required")
	}
	resp := &Response{}
	parts := chunks(len(ids), s.chunkSize)
	for i, part := range parts {
		batch := ids[part[0]:part[1]]
		chunk := chunkOp(op, i, len(parts))
		res, err := s.unit(ctx, events.TopicRecordsDeleted, func(tx store.Store, sess *schema.Session, o *compute.Orchestrator) (*compute.Result, error) {
			if _, err := sess.Table(ctx, tableID); err != nil {
				return nil, err
			}
			if err := requireRecords(ctx, tx, tableID, batch); err != nil {
				return nil, err
			}
			sources, err := o.PlanDelete(ctx, tableID, batch)
			if err != nil {
				return nil, err
			}
			return o.ComputeCellChangesForRecordsMulti(ctx, chunk, sources, compute.BaseWriteFunc(func(ctx context.Context, set *compute.TableSet) error {
				for _, id := range set.Tables() {
					if err := set.WriteContexts(ctx, id); err != nil {
						return err
					}
				}
				if err := set.CommitForeignKeys(ctx); err != nil {
					return err
				}
				if err := set.Store().DeleteRecords(ctx, tableID, set.Deleted(tableID)); err != nil {
					return fmt.Errorf("delete records from %s: %w", tableID, err)
				}
				return nil
			}))
		})
		if err != nil {
			return nil, chunkFailed(i, len(parts), idRecords(resp.Deleted), err)
		}
		resp.Deleted = append(resp.Deleted, batch...)
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

// DuplicateRecord copies the writable cells of a record into a new record
// placed next to it, or at order when given. Link cells are copied only when
// the linked records may hold several links back; copying a one-sided link
// would steal it from the source. Attachment items get fresh ids.
func (s *Service) DuplicateRecord(ctx context.Context, op model.OperationContext, tableID, recordID string, order *model.RecordOrder) (*Response, error) {
	newID, err := idgen.Record()
	if err != nil {
		return nil, err
	}
	if order == nil {
		order = &model.RecordOrder{AnchorID: recordID, Position: model.PositionAfter}
	}
	op = op.EnsureID()
	res, err := s.unit(ctx, events.TopicRecordsCreated, func(tx store.Store, sess *schema.Session, o *compute.Orchestrator) (*compute.Result, error) {
		table, err := sess.Table(ctx, tableID)
		if err != nil {
			return nil, err
		}
		src, err := tx.GetSnapshotBulk(ctx, tableID, []string{recordID}, nil)
		if err != nil {
			return nil, fmt.Errorf("load record %s: %w", recordID, err)
		}
		if len(src) == 0 {
			return nil, &model.NotFoundError{Kind: "record", ID: recordID}
		}
		fields, err := duplicateFields(table, src[0])
		if err != nil {
			return nil, err
		}
		return s.insert(ctx, tx, o, op, table, []model.RecordInput{{ID: newID, Fields: fields}}, order)
	})
	if err != nil {
		return nil, err
	}
	recs, err := s.readBack(ctx, tableID, []string{newID})
	if err != nil {
		return nil, err
	}
	return &Response{Records: recs, Results: []*compute.Result{res}}, nil
}

func duplicateFields(table *model.Table, r *model.Record) (map[string]any, error) {
	out := make(map[string]any)
	for _, f := range table.Fields {
		v, ok := r.Fields[f.ID]
		if f.IsComputed || !ok || model.IsEmptyValue(v) {
			continue
		}
		switch f.Type {
		case model.FieldLink:
			if f.Options.Link == nil || !f.Options.Link.Relationship.Reverse().IsMultiple() {
				continue
			}
		case model.FieldAttachment:
			fresh, err := freshAttachments(v)
			if err != nil {
				return nil, err
			}
			v = fresh
		}
		out[f.ID] = v
	}
	return out, nil
}

func freshAttachments(v any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return v, nil
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, err := idgen.Attachment()
		if err != nil {
			return nil, err
		}
		c := make(map[string]any, len(m))
		for k, val := range m {
			c[k] = val
		}
		c["id"] = id
		out = append(out, c)
	}
	return out, nil
}

// GetRecords returns records in request order, restricted to projection
// when it is non-nil.
func (s *Service) GetRecords(ctx context.Context, tableID string, recordIDs []string, projection []string) ([]*model.Record, error) {
	if _, err := s.schema.Table(ctx, tableID); err != nil {
		return nil, err
	}
	recs, err := s.store.GetSnapshotBulk(ctx, tableID, recordIDs, projection)
	if err != nil {
		return nil, fmt.Errorf("get records of %s: %w", tableID, err)
	}
	if missing := missingIDs(recordIDs, recs); len(missing) > 0 {
		return nil, &model.NotFoundError{Kind: "record", ID: missing[0]}
	}
	return recs, nil
}

// ListRecords returns a page of records in table order.
func (s *Service) ListRecords(ctx context.Context, tableID string, projection []string, limit, offset int) ([]*model.Record, error) {
	if _, err := s.schema.Table(ctx, tableID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListRecords(ctx, tableID, projection, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records of %s: %w", tableID, err)
	}
	return recs, nil
}

func (s *Service) readBack(ctx context.Context, tableID string, ids []string) ([]*model.Record, error) {
	recs, err := s.store.GetSnapshotBulk(ctx, tableID, ids, nil)
	if err != nil {
		return nil, fmt.Errorf("read back records of %s: %w", tableID, err)
	}
	return recs, nil
}

func requireRecords(ctx context.Context, rs store.RecordStore, tableID string, ids []string) error {
	recs, err := rs.GetSnapshotBulk(ctx, tableID, ids, []string{})
	if err != nil {
		return fmt.Errorf("load records of %s: %w", tableID, err)
	}
	if missing := missingIDs(ids, recs); len(missing) > 0 {
		return &model.NotFoundError{Kind: "record", ID: missing[0]}
	}
	return nil
}

// checkWritable resolves every payload key against the committed schema and
// refuses computed fields, before any transaction is opened.
func (s *Service) checkWritable(ctx context.Context, tableID string, keyType model.FieldKeyType, inputs []model.RecordInput) error {
	table, err := s.schema.Table(ctx, tableID)
	if err != nil {
		return err
	}
	return rejectComputed(table, keyType, inputs)
}

// rejectComputed fails when a payload writes a computed field.
func rejectComputed(table *model.Table, keyType model.FieldKeyType, inputs []model.RecordInput) error {
	for _, in := range inputs {
		for key, v := range in.Fields {
			f, err := compute.ResolveField(table, keyType, key)
			if err != nil {
				return err
			}
			if f.IsComputed {
				return model.NewValidationError(f.Name, v, "field is computed and cannot be written")
			}
		}
	}
	return nil
}

func assignIDs(inputs []model.RecordInput) ([]model.RecordInput, error) {
	out := make([]model.RecordInput, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		if in.ID == "" {
			id, err := idgen.Record()
			if err != nil {
				return nil, err
			}
			in.ID = id
		}
		if seen[in.ID] {
			return nil, model.NewValidationError("id", in.ID, "duplicate record id in request")
		}
		seen[in.ID] = true
		out[i] = in
	}
	return out, nil
}

func chunkFailed(index, total int, committed []*model.Record, err error) error {
	if total <= 1 {
		return err
	}
	return &ChunkError{Index: index, Committed: committed, Err: err}
}

func keyTypeOr(k model.FieldKeyType) model.FieldKeyType {
	if k == "" {
		return model.FieldKeyID
	}
	return k
}

func idsOf(inputs []model.RecordInput) []string {
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		ids[i] = in.ID
	}
	return ids
}

func idRecords(ids []string) []*model.Record {
	out := make([]*model.Record, len(ids))
	for i, id := range ids {
		out[i] = &model.Record{ID: id}
	}
	return out
}

func missingIDs(want []string, got []*model.Record) []string {
	have := make(map[string]bool, len(got))
	for _, r := range got {
		have[r.ID] = true
	}
	var out []string
	for _, id := range want {
		if !have[id] {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
