package flatten

import (
	"encoding/json"
	"strconv"
	"strings"
)

// column maps an output column to a source path and a cleaning rule.
type column struct {
	name  string
	path  string
	clean func(any) any
}

// BookingColumns lists the booking-line output columns in order.
var BookingColumns = []string{
	"booking_line_id", "booking_id", "booking_line_sequence_id", "booking_sequence_id",
	"sale_order_id", "room_id", "room_type_id", "create_datetime",
	"check_in_datetime", "actual_check_in_datetime", "check_out_datetime", "actual_check_out_datetime",
	"cancelled_at_datetime", "status", "price", "booking_days", "paid_amount", "subtotal_price",
	"total_price", "balance", "remain_amount", "cancel_price", "cancel_reason", "num_adult", "num_child",
	"customer_id", "partner_identification", "booking_line_guest_ids", "medium_id", "source_id", "campaign_id",
	"cms_booking_id", "cms_ota_id", "cms_booking_source", "group_master_name", "labels",
	"hotel_travel_agency_id", "group_id", "group_master", "room_is_clean", "room_is_occupied",
	"survey_is_checkin", "survey_is_checkout", "pricelist_id", "pricelist_name", "note", "is_foc",
	"reason_approve_by", "foc_level",
}

var bookingColumns = []column{
	{"booking_line_id", "booking_line_id", keep},
	{"booking_id", "booking_id", keep},
	{"booking_line_sequence_id", "booking_line_sequence_id", keep},
	{"booking_sequence_id", "booking_sequence_id", keep},
	{"sale_order_id", "sale_order_name", odooNull},
	{"room_id", "room_id", toInt},
	{"room_type_id", "room_type_id", keep},
	{"create_datetime", "create_date", keep},
	{"check_in_datetime", "check_in", keep},
	{"actual_check_in_datetime", "actual_check_in", odooNull},
	{"check_out_datetime", "check_out", keep},
	{"actual_check_out_datetime", "actual_check_out", odooNull},
	{"cancelled_at_datetime", "cancelled_at", odooNull},
	{"status", "status", keep},
	{"price", "price", keep},
	{"booking_days", "booking_days", keep},
	{"paid_amount", "paid_amount", keep},
	{"subtotal_price", "subtotal_price", keep},
	{"total_price", "total_price", keep},
	{"balance", "balance", keep},
	{"remain_amount", "remain_amount", keep},
	{"cancel_price", "cancel_price", keep},
	{"cancel_reason", "cancel_reason", toText},
	{"num_adult", "adult", keep},
	{"num_child", "child", keep},
	{"customer_id", "partner_id", toInt},
	{"partner_identification", "partner_identification", toText},
	{"booking_line_guest_ids", "booking_line_guest_ids", toJSON},
	{"medium_id", "medium_id", toInt},
	{"source_id", "source_id", toInt},
	{"campaign_id", "campaign_id", toInt},
	{"cms_booking_id", "cms_booking_id", odooNull},
	{"cms_ota_id", "cms_ota_id", odooNull},
	{"cms_booking_source", "cms_booking_source", odooNull},
	{"group_master_name", "group_master_name", odooNull},
	{"labels", "labels", toJSON},
	{"hotel_travel_agency_id", "hotel_travel_agency_id", toInt},
	{"group_id", "group_id", toInt},
	{"group_master", "group_master", odooNull},
	{"room_is_clean", "room_status.is_clean", keep},
	{"room_is_occupied", "room_status.is_occupied", keep},
	{"survey_is_checkin", "surveys.is_checkin", keep},
	{"survey_is_checkout", "surveys.is_checkout", keep},
	{"pricelist_id", "pricelist.id", toInt},
	{"pricelist_name", "pricelist.name", keep},
	{"note", "note", odooNull},
	{"is_foc", "is_foc", keep},
	{"reason_approve_by", "reason_approve_by", odooNull},
	{"foc_level", "foc_level", odooNull},
}

var roomLockColumns = []column{
	{"id", "id", keep},
	{"reason", "reason", toOptionalText},
	{"room_id", "room_id", keep},
	{"room_no", "attributes.room_no", toOptionalText},
	{"room_name", "room_name", toOptionalText},
	{"room_type_name", "room_type_name", toOptionalText},
	{"start_date", "start_date", odooNull},
	{"end_date", "end_date", odooNull},
	{"original_end_date", "original_end_date", odooNull},
	{"create_username", "create_username", toOptionalText},
	{"create_date", "create_date", odooNull},
	{"active", "active", keep},
}

// BookingLines flattens one PMS booking-line record. The ERP marks missing
// values with false, which becomes null here.
func BookingLines(raw json.RawMessage) ([]Row, error) {
	return project(raw, bookingColumns)
}

// RoomLock flattens one room-lock record.
func RoomLock(raw json.RawMessage) ([]Row, error) {
	return project(raw, roomLockColumns)
}

func project(raw json.RawMessage, cols []column) ([]Row, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	row := make(Row, len(cols))
	for _, c := range cols {
		row[c.name] = c.clean(lookup(obj, c.path))
	}
	return []Row{row}, nil
}

// lookup resolves a dotted path. A parent that is not an object resolves to nil.
func lookup(obj map[string]any, path string) any {
	cur := any(obj)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func keep(v any) any { return v }

// odooNull maps the ERP's false placeholder to nil.
func odooNull(v any) any {
	switch tv := v.(type) {
	case bool:
		if !tv {
			return nil
		}
	case string:
		if tv == "False" {
			return nil
		}
	}
	return v
}

func toInt(v any) any {
	v = odooNull(v)
	switch tv := v.(type) {
	case nil:
		return nil
	case json.Number:
		if n, err := tv.Int64(); err == nil {
			return json.Number(strconv.FormatInt(n, 10))
		}
		if f, err := tv.Float64(); err == nil && f == float64(int64(f)) {
			return json.Number(strconv.FormatInt(int64(f), 10))
		}
		return nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(tv), 10, 64)
		if err != nil {
			return nil
		}
		return json.Number(strconv.FormatInt(n, 10))
	default:
		return nil
	}
}

func toOptionalText(v any) any {
	v = odooNull(v)
	if v == nil {
		return nil
	}
	return textOf(v)
}

// toText renders a value as a string, with nil and false as "".
func toText(v any) any {
	v = odooNull(v)
	if v == nil {
		return ""
	}
	return textOf(v)
}

func textOf(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case json.Number:
		return tv.String()
	case bool:
		return strconv.FormatBool(tv)
	default:
		return stringify(tv)
	}
}

func toJSON(v any) any {
	v = odooNull(v)
	switch v.(type) {
	case []any, map[string]any:
		return stringify(v)
	}
	return v
}
