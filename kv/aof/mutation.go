package aof

import (
	"context"
	"fmt"

	"go.miragespace.co/kvstore/spec/kvstore"

	"google.golang.org/protobuf/encoding/protowire"
	"go.uber.org/zap"
)

const logVersion = 1

type mutationType uint64

const (
	mutationCreateTable mutationType = iota + 1
	mutationInsert
	mutationUpdate
	mutationDelete
)

func (t mutationType) String() string {
	switch t {
	case mutationCreateTable:
		return "CREATE_TABLE"
	case mutationInsert:
		return "INSERT"
	case mutationUpdate:
		return "UPDATE"
	case mutationDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint64(t))
	}
}

const (
	fieldVersion protowire.Number = 1
	fieldType    protowire.Number = 2
	fieldID      protowire.Number = 3
	fieldData    protowire.Number = 4
)

type mutation struct {
	Type mutationType
	ID   int64
	Data []byte
}

// MarshalWire encodes the mutation in protobuf wire format. Data is always
// written for inserts and updates so that an empty value survives replay.
func (m *mutation) MarshalWire() []byte {
	b := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, logVersion)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldID, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(m.ID))
	if m.Type == mutationInsert || m.Type == mutationUpdate {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	return b
}

func (m *mutation) UnmarshalWire(b []byte) error {
	*m = mutation{}

	var version uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			version, n = protowire.ConsumeVarint(b)
		case num == fieldType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.Type = mutationType(v)
		case num == fieldID && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			m.ID = int64(v)
		case num == fieldData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			m.Data = append([]byte{}, v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}

	if version != logVersion {
		return fmt.Errorf("unknown log version: %d", version)
	}
	return nil
}

// precheck fails the mutation before it reaches the log if it would not apply.
func (d *DiskEngine) precheck(mut *mutation) error {
	ctx := context.Background()
	switch mut.Type {
	case mutationCreateTable:
		exists, err := d.mem.EnsureTableExists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return kvstore.StepError(fmt.Errorf("table %s already exists", kvstore.TableName))
		}
	case mutationInsert:
		_, err := d.mem.RowExists(ctx, mut.ID)
		return err
	case mutationUpdate, mutationDelete:
		exists, err := d.mem.RowExists(ctx, mut.ID)
		if err != nil {
			return err
		}
		if !exists {
			verb := "update"
			if mut.Type == mutationDelete {
				verb = "delete"
			}
			return kvstore.QueryError("tried to %s %d, but it doesn't exist", verb, mut.ID)
		}
	default:
		return kvstore.StepError(fmt.Errorf("unknown mutation: %s", mut.Type))
	}
	return nil
}

func (d *DiskEngine) handleMutation(mut *mutation) error {
	ctx := context.Background()

	d.logger.Debug("Handling mutation", zap.Stringer("mutation", mut.Type), zap.Int64("id", mut.ID))

	switch mut.Type {
	case mutationCreateTable:
		return d.mem.CreateTable(ctx)
	case mutationInsert:
		return d.mem.Insert(ctx, kvstore.Row{ID: mut.ID, Data: mut.Data})
	case mutationUpdate:
		return d.mem.Update(ctx, kvstore.Row{ID: mut.ID, Data: mut.Data})
	case mutationDelete:
		return d.mem.Delete(ctx, mut.ID)
	default:
		return kvstore.StepError(fmt.Errorf("unknown mutation: %s", mut.Type))
	}
}
