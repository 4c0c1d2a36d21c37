package postgres

import (
	"github.com/jackc/pgx/v5/pgtype"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/identifier"
)

// pgIdentifier adapts rowsync.StoreId (gitlab.com/tozd/identifier.Identifier)
// to pgtype's UUID wire format, the same wrapped encode/scan plan technique
// the teacher uses in store/identifier.go for its own changeset/view ids.
type pgIdentifier identifier.Identifier

func (i *pgIdentifier) ScanUUID(v pgtype.UUID) error {
	if !v.Valid {
		return errors.New("cannot scan NULL into *identifier.Identifier")
	}
	*i = v.Bytes
	return nil
}

func (i pgIdentifier) UUIDValue() (pgtype.UUID, error) {
	return pgtype.UUID{Bytes: [16]byte(i), Valid: true}, nil
}

func tryWrapIdentifierEncodePlan(value interface{}) (plan pgtype.WrappedEncodePlanNextSetter, nextValue interface{}, ok bool) {
	switch value := value.(type) {
	case identifier.Identifier:
		return &wrapIdentifierEncodePlan{}, pgIdentifier(value), true
	}
	return nil, nil, false
}

type wrapIdentifierEncodePlan struct {
	next pgtype.EncodePlan
}

func (plan *wrapIdentifierEncodePlan) SetNext(next pgtype.EncodePlan) {
	plan.next = next
}

func (plan *wrapIdentifierEncodePlan) Encode(value interface{}, buf []byte) (newBuf []byte, err error) {
	return plan.next.Encode(pgIdentifier(value.(identifier.Identifier)), buf) //nolint:forcetypeassert
}

func tryWrapIdentifierScanPlan(target interface{}) (plan pgtype.WrappedScanPlanNextSetter, nextDst interface{}, ok bool) {
	switch target := target.(type) {
	case *identifier.Identifier:
		return &wrapIdentifierScanPlan{}, (*pgIdentifier)(target), true
	}
	return nil, nil, false
}

type wrapIdentifierScanPlan struct {
	next pgtype.ScanPlan
}

func (plan *wrapIdentifierScanPlan) SetNext(next pgtype.ScanPlan) {
	plan.next = next
}

func (plan *wrapIdentifierScanPlan) Scan(src []byte, dst interface{}) error {
	return plan.next.Scan(src, (*pgIdentifier)(dst.(*identifier.Identifier))) //nolint:forcetypeassert
}

type identifierCodec struct {
	pgtype.UUIDCodec
}

func (identifierCodec) DecodeValue(tm *pgtype.Map, oid uint32, format int16, src []byte) (interface{}, error) {
	if src == nil {
		return nil, nil //nolint:nilnil
	}
	var target identifier.Identifier
	scanPlan := tm.PlanScan(oid, format, &target)
	if scanPlan == nil {
		return nil, errors.New("PlanScan did not find a plan")
	}
	if err := scanPlan.Scan(src, &target); err != nil {
		return nil, err
	}
	return target, nil
}

// registerIdentifier teaches a pgtype.Map how to encode/scan
// identifier.Identifier (rowsync.StoreId) as a native uuid column.
func registerIdentifier(tm *pgtype.Map) {
	tm.TryWrapEncodePlanFuncs = append([]pgtype.TryWrapEncodePlanFunc{tryWrapIdentifierEncodePlan}, tm.TryWrapEncodePlanFuncs...)
	tm.TryWrapScanPlanFuncs = append([]pgtype.TryWrapScanPlanFunc{tryWrapIdentifierScanPlan}, tm.TryWrapScanPlanFuncs...)

	tm.RegisterType(&pgtype.Type{
		Name:  "rowsyncIdentifier",
		OID:   pgtype.UUIDOID,
		Codec: identifierCodec{},
	})
}
