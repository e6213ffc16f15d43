package postgres

import (
	"encoding/json"

	"github.com/snehjoshi/gnssbus/internal/types"
)

type termCmdModel struct {
	ID         string  `gorm:"column:id;primaryKey"`
	ExternalID *string `gorm:"column:external_id"`
	AppID      string  `gorm:"column:app_id"`
	SimNo      string  `gorm:"column:sim_no"`
	MsgID      *string `gorm:"column:msg_id"`
	SubCmdTyp  *string `gorm:"column:sub_cmd_typ"`
	ReqID      *string `gorm:"column:req_id"`
	PlateNo    *string `gorm:"column:plate_no"`
	PlateColor *int    `gorm:"column:plate_color"`
	Status     int     `gorm:"column:status"`
	ReqTm      int64   `gorm:"column:req_tm"`
	SentTm     *int64  `gorm:"column:sent_tm"`
	AckTm      *int64  `gorm:"column:ack_tm"`
	EndTm      *int64  `gorm:"column:end_tm"`
	MsgSn      *int    `gorm:"column:msg_sn"`
	AckMsgID   *string `gorm:"column:ack_msg_id"`
	AckSeqNo   *int    `gorm:"column:ack_seq_no"`
	AckCode    *int    `gorm:"column:ack_code"`
	Params     *string `gorm:"column:params;type:jsonb"`
	AckParams  *string `gorm:"column:ack_params;type:jsonb"`
}

func (termCmdModel) TableName() string { return "term_cmd" }

func toModel(c *types.TermCmd) termCmdModel {
	return termCmdModel{
		ID:         c.ID,
		ExternalID: nullable(c.ExternalID),
		AppID:      c.AppID,
		SimNo:      c.SimNo,
		MsgID:      nullable(c.MsgID),
		SubCmdTyp:  nullable(c.SubCmdTyp),
		ReqID:      nullable(c.ReqID),
		PlateNo:    nullable(c.PlateNo),
		PlateColor: c.PlateColor,
		Status:     c.Status,
		ReqTm:      c.ReqTm,
		SentTm:     c.SentTm,
		AckTm:      c.AckTm,
		EndTm:      c.EndTm,
		MsgSn:      c.MsgSn,
		AckMsgID:   nullable(c.AckMsgID),
		AckSeqNo:   c.AckSeqNo,
		AckCode:    c.AckCode,
		Params:     nullableJSON(c.Params),
		AckParams:  nullableJSON(c.AckParams),
	}
}

func toDomain(m termCmdModel) *types.TermCmd {
	return &types.TermCmd{
		ID:         m.ID,
		ExternalID: deref(m.ExternalID),
		AppID:      m.AppID,
		SimNo:      m.SimNo,
		MsgID:      deref(m.MsgID),
		SubCmdTyp:  deref(m.SubCmdTyp),
		ReqID:      deref(m.ReqID),
		PlateNo:    deref(m.PlateNo),
		PlateColor: m.PlateColor,
		Status:     m.Status,
		ReqTm:      m.ReqTm,
		SentTm:     m.SentTm,
		AckTm:      m.AckTm,
		EndTm:      m.EndTm,
		MsgSn:      m.MsgSn,
		AckMsgID:   deref(m.AckMsgID),
		AckSeqNo:   m.AckSeqNo,
		AckCode:    m.AckCode,
		Params:     rawJSON(m.Params),
		AckParams:  rawJSON(m.AckParams),
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func nullableJSON(b json.RawMessage) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func rawJSON(p *string) json.RawMessage {
	if p == nil {
		return nil
	}
	return json.RawMessage(*p)
}
