package bakery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// idNonceType is the TLV type of the random nonce that makes
	// every minted macaroon id unique.
	idNonceType tlv.Type = 1

	// idStorageIdType is the TLV type of the root key storage id.
	idStorageIdType tlv.Type = 2

	// idOpsType is the TLV type of the operations the macaroon
	// authorizes.
	idOpsType tlv.Type = 3

	// maxIdFieldLen bounds the length of any single entity or action
	// read back from a macaroon id.
	maxIdFieldLen = 0xffff
)

// macaroonIdOp holds all the actions authorized on a single entity, the
// grouped form in which operations are stored in a macaroon id.
type macaroonIdOp struct {
	entity  string
	actions []string
}

// idOps is the list of grouped operations carried by a macaroon id.
type idOps []macaroonIdOp

// macaroonId is the structured identifier minted into every macaroon.
// It is serialized as a TLV stream.
type macaroonId struct {
	nonce     []byte
	storageId []byte
	ops       idOps
}

// records returns the TLV records that make up a macaroon id.
func (id *macaroonId) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(idNonceType, &id.nonce),
		tlv.MakePrimitiveRecord(idStorageIdType, &id.storageId),
		tlv.MakeDynamicRecord(
			idOpsType, &id.ops, id.ops.recordSize, idOpsEncoder,
			idOpsDecoder,
		),
	}
}

// encode serializes the macaroon id as a TLV stream.
func (id *macaroonId) encode() ([]byte, error) {
	stream, err := tlv.NewStream(id.records()...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decode deserializes the macaroon id from its TLV encoding.
func (id *macaroonId) decode(data []byte) error {
	stream, err := tlv.NewStream(id.records()...)
	if err != nil {
		return err
	}

	return stream.Decode(bytes.NewReader(data))
}

// recordSize returns the encoded size of the grouped operations.
func (o *idOps) recordSize() uint64 {
	size := tlv.VarIntSize(uint64(len(*o)))
	for _, op := range *o {
		size += tlv.VarIntSize(uint64(len(op.entity)))
		size += uint64(len(op.entity))
		size += tlv.VarIntSize(uint64(len(op.actions)))
		for _, action := range op.actions {
			size += tlv.VarIntSize(uint64(len(action)))
			size += uint64(len(action))
		}
	}

	return size
}

// Encode serializes the grouped operations into the target writer.
func (o *idOps) Encode(w io.Writer) error {
	var buf [8]byte
	if err := tlv.WriteVarInt(w, uint64(len(*o)), &buf); err != nil {
		return err
	}
	for _, op := range *o {
		if err := writeVarString(w, op.entity, &buf); err != nil {
			return err
		}
		err := tlv.WriteVarInt(w, uint64(len(op.actions)), &buf)
		if err != nil {
			return err
		}
		for _, action := range op.actions {
			if err := writeVarString(w, action, &buf); err != nil {
				return err
			}
		}
	}

	return nil
}

// Decode deserializes the grouped operations from the given reader.
func (o *idOps) Decode(r io.Reader) error {
	var buf [8]byte
	numOps, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return err
	}

	var ops idOps
	for i := uint64(0); i < numOps; i++ {
		entity, err := readVarString(r, &buf)
		if err != nil {
			return err
		}
		numActions, err := tlv.ReadVarInt(r, &buf)
		if err != nil {
			return err
		}
		var actions []string
		for j := uint64(0); j < numActions; j++ {
			action, err := readVarString(r, &buf)
			if err != nil {
				return err
			}
			actions = append(actions, action)
		}
		ops = append(ops, macaroonIdOp{
			entity:  entity,
			actions: actions,
		})
	}
	*o = ops

	return nil
}

// expand flattens the grouped operations back into one operation per
// entity and action pair.
func (o idOps) expand() []Op {
	var ops []Op
	for _, idOp := range o {
		for _, action := range idOp.actions {
			ops = append(ops, Op{
				Entity: idOp.entity,
				Action: action,
			})
		}
	}

	return ops
}

// groupedIdOps groups operations by entity for compact storage in a
// macaroon id. The operations must be in canonical order and there must
// be at least one of them.
func groupedIdOps(ops []Op) idOps {
	grouped := make(idOps, 0, len(ops))
	current := macaroonIdOp{entity: ops[0].Entity}
	for _, op := range ops {
		if op.Entity != current.entity {
			grouped = append(grouped, current)
			current = macaroonIdOp{entity: op.Entity}
		}
		current.actions = append(current.actions, op.Action)
	}

	return append(grouped, current)
}

// idOpsEncoder is a custom TLV encoder for the idOps list.
func idOpsEncoder(w io.Writer, val any, _ *[8]byte) error {
	if t, ok := val.(*idOps); ok {
		return t.Encode(w)
	}

	return tlv.NewTypeForEncodingErr(val, "idOps")
}

// idOpsDecoder is a custom TLV decoder for the idOps list.
func idOpsDecoder(r io.Reader, val any, _ *[8]byte, l uint64) error {
	if typ, ok := val.(*idOps); ok {
		opsReader := io.LimitReader(r, int64(l))

		var ops idOps
		if err := ops.Decode(opsReader); err != nil {
			return err
		}
		*typ = ops

		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "idOps", l, l)
}

// writeVarString writes a length-prefixed string to w.
func writeVarString(w io.Writer, s string, buf *[8]byte) error {
	if err := tlv.WriteVarInt(w, uint64(len(s)), buf); err != nil {
		return err
	}
	b := []byte(s)

	return tlv.EVarBytes(w, &b, buf)
}

// readVarString reads a length-prefixed string from r.
func readVarString(r io.Reader, buf *[8]byte) (string, error) {
	n, err := tlv.ReadVarInt(r, buf)
	if err != nil {
		return "", err
	}
	if n > maxIdFieldLen {
		return "", fmt.Errorf("macaroon id field too long")
	}
	var b []byte
	if err := tlv.DVarBytes(r, &b, buf, n); err != nil {
		return "", err
	}

	return string(b), nil
}
