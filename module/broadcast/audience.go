package broadcast

import (
	"context"
	"time"

	"IMProject/module/chat/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Audience segments.
const (
	SegAll    = "all"
	SegActive = "active"
	SegBanned = "banned"
	SegCustom = "custom"

	PlatformAndroid = "android"
	PlatformIOS     = "ios"
	PlatformBoth    = "both"
)

const (
	activeWindow = 7 * 24 * time.Hour
	// TODO(custom-segments): "custom" needs a real criteria mechanism;
	// until then it behaves as a 30-day activity window.
	customWindow = 30 * 24 * time.Hour
)

// DeviceIter is a lazy, restartable walk over push-capable devices.
// Implementations must never buffer the whole audience.
type DeviceIter interface {
	Next(ctx context.Context) bool
	Device() *model.Device
	Err() error
	Close(ctx context.Context) error
}

// Audience produces memory-bounded device streams for broadcast targeting.
// Ban-status filtering is NOT applied here: device records carry no user
// status, so consumers join each batch against BannedSet.
type Audience struct {
	clock func() time.Time
}

func NewAudience() *Audience { return &Audience{clock: time.Now} }

// deviceFilter builds the device-side predicate for a segment/platform pair.
func deviceFilter(segment, platform string, now time.Time) bson.M {
	filter := bson.M{
		"is_active":  true,
		"push_token": bson.M{"$nin": bson.A{"", nil}},
	}
	if platform != "" && platform != PlatformBoth {
		filter["platform"] = platform
	}
	switch segment {
	case SegActive:
		filter["last_active"] = bson.M{"$gte": now.Add(-activeWindow)}
	case SegCustom:
		filter["last_active"] = bson.M{"$gte": now.Add(-customWindow)}
	}
	return filter
}

// Stream opens a fresh cursor over the matching devices. The cursor pages
// from the store on demand, so peak memory is one server batch regardless
// of audience size.
func (a *Audience) Stream(ctx context.Context, segment, platform string) (DeviceIter, error) {
	cur, err := (&model.Device{}).Collection().Find(ctx,
		deviceFilter(segment, platform, a.clock()),
		options.Find().SetBatchSize(500))
	if err != nil {
		return nil, errors.Wrap(err, "audience stream")
	}
	return &mongoDeviceIter{cur: cur}, nil
}

// Count estimates the audience size for pre-dispatch display. It counts
// devices only and does not join user status, so the "banned" segment
// may be over- or under-estimated. Approximate on purpose.
func (a *Audience) Count(ctx context.Context, segment, platform string) (int64, error) {
	n, err := (&model.Device{}).Collection().CountDocuments(ctx,
		deviceFilter(segment, platform, a.clock()))
	return n, errors.Wrap(err, "audience count")
}

// BannedSet returns which of the given users are banned. Callers invoke
// it per batch to keep the join memory-bounded.
func (a *Audience) BannedSet(ctx context.Context, userIDs []string) (map[string]bool, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	cur, err := (&model.User{}).Collection().Find(ctx,
		bson.M{"_id": bson.M{"$in": userIDs}, "status": model.UserStatusBanned},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, errors.Wrap(err, "banned set")
	}
	defer cur.Close(ctx)
	out := make(map[string]bool)
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "banned set")
		}
		out[doc.ID] = true
	}
	return out, errors.Wrap(cur.Err(), "banned set")
}

type mongoDeviceIter struct {
	cur *mongo.Cursor
	dev model.Device
	err error
}

func (it *mongoDeviceIter) Next(ctx context.Context) bool {
	if !it.cur.Next(ctx) {
		return false
	}
	it.dev = model.Device{}
	if err := it.cur.Decode(&it.dev); err != nil {
		it.err = err
		return false
	}
	return true
}

func (it *mongoDeviceIter) Device() *model.Device { return &it.dev }

func (it *mongoDeviceIter) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.cur.Err()
}

func (it *mongoDeviceIter) Close(ctx context.Context) error { return it.cur.Close(ctx) }
