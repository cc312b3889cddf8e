package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection and index names.
const (
	colBills     = "bills"
	colSequences = "bill_sequences"

	idxBillNumber = "bill_number_unique"
	idxOpenPerDay = "open_bill_per_day"
)

type lineItemModel struct {
	Service  string          `bson:"service"`
	Quantity int             `bson:"quantity"`
	Price    bson.Decimal128 `bson:"price"`
	Tax      bson.Decimal128 `bson:"tax"`
	Discount bson.Decimal128 `bson:"discount"`
	Total    bson.Decimal128 `bson:"total"`
}

type insuranceModel struct {
	Provider     string          `bson:"provider,omitempty"`
	PolicyNumber string          `bson:"policy_number,omitempty"`
	Coverage     bson.Decimal128 `bson:"coverage"`
}

type paymentModel struct {
	Amount    bson.Decimal128 `bson:"amount"`
	Method    string          `bson:"method"`
	Date      time.Time       `bson:"date"`
	Insurance *insuranceModel `bson:"insurance_details,omitempty"`
}

type cancellationModel struct {
	Date        time.Time `bson:"date"`
	Reason      string    `bson:"reason"`
	CancelledBy string    `bson:"cancelled_by"`
}

type billModel struct {
	ID           string             `bson:"_id"`
	BillNumber   string             `bson:"bill_number"`
	PatientID    string             `bson:"patient_id"`
	Items        []lineItemModel    `bson:"items"`
	Subtotal     bson.Decimal128    `bson:"subtotal"`
	Discount     bson.Decimal128    `bson:"discount"`
	Total        bson.Decimal128    `bson:"total"`
	Status       string             `bson:"status"`
	Payments     []paymentModel     `bson:"payments"`
	Cancellation *cancellationModel `bson:"cancellation,omitempty"`
	Notes        string             `bson:"notes"`
	CreatedBy    string             `bson:"created_by"`
	BillingDay   string             `bson:"billing_day"`
	Version      int                `bson:"version"`
	CreatedAt    time.Time          `bson:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at"`
}

func toDecimal128(d decimal.Decimal) bson.Decimal128 {
	// decimal.String never yields a value ParseDecimal128 rejects.
	v, _ := bson.ParseDecimal128(d.String())
	return v
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode decimal %s: %w", v.String(), err)
	}
	return d, nil
}

func toBillModel(b *Bill) *billModel {
	m := &billModel{
		ID:         b.ID.String(),
		BillNumber: b.BillNumber,
		PatientID:  b.PatientID.String(),
		Items:      make([]lineItemModel, len(b.Items)),
		Subtotal:   toDecimal128(b.Subtotal),
		Discount:   toDecimal128(b.Discount),
		Total:      toDecimal128(b.Total),
		Status:     string(b.Status),
		Payments:   make([]paymentModel, len(b.Payments)),
		Notes:      b.Notes,
		CreatedBy:  b.CreatedBy.String(),
		BillingDay: b.BillingDay,
		Version:    b.Version,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
	for i, it := range b.Items {
		m.Items[i] = lineItemModel{
			Service:  it.Service,
			Quantity: it.Quantity,
			Price:    toDecimal128(it.Price),
			Tax:      toDecimal128(it.Tax),
			Discount: toDecimal128(it.Discount),
			Total:    toDecimal128(it.Total),
		}
	}
	for i, p := range b.Payments {
		pm := paymentModel{Amount: toDecimal128(p.Amount), Method: string(p.Method), Date: p.Date}
		if p.InsuranceDetails != nil {
			pm.Insurance = &insuranceModel{
				Provider:     p.InsuranceDetails.Provider,
				PolicyNumber: p.InsuranceDetails.PolicyNumber,
				Coverage:     toDecimal128(p.InsuranceDetails.Coverage),
			}
		}
		m.Payments[i] = pm
	}
	if b.Cancellation != nil {
		m.Cancellation = &cancellationModel{
			Date:        b.Cancellation.Date,
			Reason:      b.Cancellation.Reason,
			CancelledBy: b.Cancellation.CancelledBy.String(),
		}
	}
	return m
}

func fromBillModel(m *billModel) (*Bill, error) {
	var err error
	b := &Bill{
		BillNumber: m.BillNumber,
		Status:     Status(m.Status),
		Notes:      m.Notes,
		BillingDay: m.BillingDay,
		Version:    m.Version,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		Items:      make([]LineItem, len(m.Items)),
		Payments:   make([]Payment, len(m.Payments)),
	}
	if b.ID, err = uuid.Parse(m.ID); err != nil {
		return nil, fmt.Errorf("decode bill id: %w", err)
	}
	if b.PatientID, err = uuid.Parse(m.PatientID); err != nil {
		return nil, fmt.Errorf("decode patient id: %w", err)
	}
	if b.CreatedBy, err = uuid.Parse(m.CreatedBy); err != nil {
		return nil, fmt.Errorf("decode created_by: %w", err)
	}
	decode := func(dst *decimal.Decimal, v bson.Decimal128) {
		if err != nil {
			return
		}
		*dst, err = fromDecimal128(v)
	}
	decode(&b.Subtotal, m.Subtotal)
	decode(&b.Discount, m.Discount)
	decode(&b.Total, m.Total)
	for i, it := range m.Items {
		li := LineItem{Service: it.Service, Quantity: it.Quantity}
		decode(&li.Price, it.Price)
		decode(&li.Tax, it.Tax)
		decode(&li.Discount, it.Discount)
		decode(&li.Total, it.Total)
		b.Items[i] = li
	}
	for i, pm := range m.Payments {
		p := Payment{Method: PaymentMethod(pm.Method), Date: pm.Date}
		decode(&p.Amount, pm.Amount)
		if pm.Insurance != nil {
			p.InsuranceDetails = &InsuranceDetails{Provider: pm.Insurance.Provider, PolicyNumber: pm.Insurance.PolicyNumber}
			decode(&p.InsuranceDetails.Coverage, pm.Insurance.Coverage)
		}
		b.Payments[i] = p
	}
	if err != nil {
		return nil, err
	}
	if m.Cancellation != nil {
		by, err := uuid.Parse(m.Cancellation.CancelledBy)
		if err != nil {
			return nil, fmt.Errorf("decode cancelled_by: %w", err)
		}
		b.Cancellation = &Cancellation{Date: m.Cancellation.Date, Reason: m.Cancellation.Reason, CancelledBy: by}
	}
	return b, nil
}

// =========== Mongo Bill Store ===========

// MongoStore keeps bills and their sequence counters in MongoDB.
type MongoStore struct {
	client    *mongo.Client
	bills     *mongo.Collection
	sequences *mongo.Collection
}

// NewMongoStore connects to uri and uses the given database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: connect: %w", err)
	}
	s := &MongoStore{
		client:    client,
		bills:     client.Database(database).Collection(colBills),
		sequences: client.Database(database).Collection(colSequences),
	}
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Migrate creates the indexes that enforce bill number uniqueness and the
// single open bill per patient and day.
func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.bills.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "bill_number", Value: 1}},
			Options: options.Index().SetName(idxBillNumber).SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "patient_id", Value: 1}, {Key: "billing_day", Value: 1}},
			Options: options.Index().SetName(idxOpenPerDay).SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(StatusUnpaid)}),
		},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "patient_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("billing/mongo: migrate bill indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("billing/mongo: ping: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Bills returns the BillRepository view of the store.
func (s *MongoStore) Bills() BillRepository { return &billRepoMongo{s: s} }

// Sequences returns a SequenceAllocator backed by the bill_sequences collection.
func (s *MongoStore) Sequences() SequenceAllocator {
	return &sequenceAllocatorMongo{coll: s.sequences, seeder: s.Bills()}
}

type billRepoMongo struct{ s *MongoStore }

func mapMongoWriteError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		switch {
		case strings.Contains(err.Error(), idxBillNumber):
			return ErrDuplicateBillNumber
		case strings.Contains(err.Error(), idxOpenPerDay):
			return ErrOpenBillExists
		}
	}
	return err
}

func (r *billRepoMongo) Create(ctx context.Context, b *Bill) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	b.Version = 1
	b.CreatedAt, b.UpdatedAt = now, now

	if _, err := r.s.bills.InsertOne(ctx, toBillModel(b)); err != nil {
		return mapMongoWriteError(err)
	}
	return nil
}

func (r *billRepoMongo) findOne(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOneOptions]) (*Bill, error) {
	var m billModel
	err := r.s.bills.FindOne(ctx, filter, opts...).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: find bill: %w", err)
	}
	return fromBillModel(&m)
}

func (r *billRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return r.findOne(ctx, bson.M{"_id": id.String()})
}

func (r *billRepoMongo) FindOpenBill(ctx context.Context, patientID uuid.UUID, billingDay string) (*Bill, error) {
	return r.findOne(ctx, bson.M{
		"patient_id":  patientID.String(),
		"billing_day": billingDay,
		"status":      string(StatusUnpaid),
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

func (r *billRepoMongo) Update(ctx context.Context, b *Bill) error {
	m := toBillModel(b)
	now := time.Now().UTC()

	set := bson.M{
		"items":      m.Items,
		"subtotal":   m.Subtotal,
		"discount":   m.Discount,
		"total":      m.Total,
		"status":     m.Status,
		"payments":   m.Payments,
		"notes":      m.Notes,
		"updated_at": now,
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if m.Cancellation != nil {
		set["cancellation"] = m.Cancellation
	} else {
		update["$unset"] = bson.M{"cancellation": ""}
	}

	res, err := r.s.bills.UpdateOne(ctx, bson.M{"_id": m.ID, "version": b.Version}, update)
	if err != nil {
		return mapMongoWriteError(err)
	}
	if res.MatchedCount == 0 {
		n, err := r.s.bills.CountDocuments(ctx, bson.M{"_id": m.ID})
		if err != nil {
			return fmt.Errorf("billing/mongo: check bill: %w", err)
		}
		if n == 0 {
			return ErrBillNotFound
		}
		return ErrVersionConflict
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

func (r *billRepoMongo) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Bill, int, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.PatientID != nil {
		filter["patient_id"] = f.PatientID.String()
	}
	if f.From != nil && f.To != nil {
		filter["created_at"] = bson.M{"$gte": *f.From, "$lte": *f.To}
	}

	total, err := r.s.bills.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("billing/mongo: count bills: %w", err)
	}

	cur, err := r.s.bills.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, fmt.Errorf("billing/mongo: list bills: %w", err)
	}
	var models []billModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, 0, fmt.Errorf("billing/mongo: decode bills: %w", err)
	}

	bills := make([]*Bill, 0, len(models))
	for i := range models {
		b, err := fromBillModel(&models[i])
		if err != nil {
			return nil, 0, err
		}
		bills = append(bills, b)
	}
	return bills, int(total), nil
}

func (r *billRepoMongo) LastSequence(ctx context.Context, period string) (int, error) {
	// Sequences are zero-padded to four digits, so with equal length string
	// order matches numeric order. Longer numbers only appear past 9999.
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"bill_number": bson.M{"$regex": "^" + BillNumberPrefix(period)}}}},
		{{Key: "$project", Value: bson.M{"bill_number": 1, "len": bson.M{"$strLenCP": "$bill_number"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "len", Value: -1}, {Key: "bill_number", Value: -1}}}},
		{{Key: "$limit", Value: 1}},
	}
	cur, err := r.s.bills.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("billing/mongo: last sequence: %w", err)
	}
	var rows []struct {
		BillNumber string `bson:"bill_number"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("billing/mongo: decode last sequence: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	_, seq, err := ParseBillNumber(rows[0].BillNumber)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// =========== Mongo Sequence Allocator ===========

type sequenceAllocatorMongo struct {
	coll   *mongo.Collection
	seeder sequenceSeeder
}

type sequenceDoc struct {
	Period    string `bson:"_id"`
	LastValue int    `bson:"last_value"`
}

func (a *sequenceAllocatorMongo) increment(ctx context.Context, period string, upsert bool) (int, error) {
	var doc sequenceDoc
	err := a.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": period},
		bson.M{"$inc": bson.M{"last_value": 1}},
		options.FindOneAndUpdate().SetUpsert(upsert).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.LastValue, nil
}

func (a *sequenceAllocatorMongo) Next(ctx context.Context, period string) (int, error) {
	next, err := a.increment(ctx, period, false)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("billing/mongo: increment sequence %s: %w", period, err)
	}

	seed, err := a.seeder.LastSequence(ctx, period)
	if err != nil {
		return 0, fmt.Errorf("seed sequence %s: %w", period, err)
	}
	// $max never lowers a counter another caller already advanced.
	_, err = a.coll.UpdateOne(ctx,
		bson.M{"_id": period},
		bson.M{"$max": bson.M{"last_value": seed}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return 0, fmt.Errorf("billing/mongo: seed sequence %s: %w", period, err)
	}

	next, err = a.increment(ctx, period, true)
	if err != nil {
		return 0, fmt.Errorf("billing/mongo: increment sequence %s: %w", period, err)
	}
	return next, nil
}
