package cdc

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"
)

// ChangeKind enumerates row-level change types.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// RowChange is a decoded row-level change record.
type RowChange struct {
	Kind       ChangeKind
	Relation   string
	Columns    map[string]string
	OldColumns map[string]string
}

// Decoder maintains a registry of relation messages keyed by relation ID so
// row messages can be decoded into column-name maps.
type Decoder struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
	logger    *zap.Logger
}

// NewDecoder creates a Decoder with an empty relation registry.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		relations: make(map[uint32]*pglogrepl.RelationMessageV2),
		logger:    logger,
	}
}

// RegisterRelation stores a relation message for later column lookups.
func (d *Decoder) RegisterRelation(msg *pglogrepl.RelationMessageV2) {
	d.relations[msg.RelationID] = msg
	d.logger.Debug("registered relation",
		zap.String("table", msg.RelationName),
		zap.Uint32("relation_id", msg.RelationID),
	)
}

func (d *Decoder) columnMap(relationID uint32, tuple *pglogrepl.TupleData) (string, map[string]string, error) {
	rel, ok := d.relations[relationID]
	if !ok {
		return "", nil, fmt.Errorf("unknown relation ID %d", relationID)
	}
	if tuple == nil {
		return rel.RelationName, nil, nil
	}
	values := make(map[string]string, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n': // null
			values[name] = ""
		default: // text or toasted value
			values[name] = string(col.Data)
		}
	}
	return rel.RelationName, values, nil
}

// DecodeInsert converts an insert message into a RowChange.
func (d *Decoder) DecodeInsert(msg *pglogrepl.InsertMessageV2) (*RowChange, error) {
	relation, values, err := d.columnMap(msg.RelationID, msg.Tuple)
	if err != nil {
		return nil, err
	}
	return &RowChange{Kind: ChangeInsert, Relation: relation, Columns: values}, nil
}

// DecodeUpdate converts an update message into a RowChange carrying the new
// tuple plus, when the replica identity provides it, the old one.
func (d *Decoder) DecodeUpdate(msg *pglogrepl.UpdateMessageV2) (*RowChange, error) {
	relation, values, err := d.columnMap(msg.RelationID, msg.NewTuple)
	if err != nil {
		return nil, err
	}
	change := &RowChange{Kind: ChangeUpdate, Relation: relation, Columns: values}
	if msg.OldTuple != nil {
		_, old, err := d.columnMap(msg.RelationID, msg.OldTuple)
		if err != nil {
			return nil, err
		}
		change.OldColumns = old
	}
	return change, nil
}

// DecodeDelete converts a delete message into a RowChange. Only the old
// tuple is available.
func (d *Decoder) DecodeDelete(msg *pglogrepl.DeleteMessageV2) (*RowChange, error) {
	relation, old, err := d.columnMap(msg.RelationID, msg.OldTuple)
	if err != nil {
		return nil, err
	}
	return &RowChange{Kind: ChangeDelete, Relation: relation, OldColumns: old}, nil
}
