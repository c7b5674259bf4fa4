package domain

import "encoding/json"

// 聊天消息记录的字段名
const (
	FieldText      = "text"
	FieldUser      = "user"
	FieldUID       = "uid"
	FieldDate      = "date"
	FieldTimestamp = "timestamp"
	FieldTS        = "ts" // 旧版本客户端写入的毫秒时间戳
	FieldDeleted   = "deleted"
)

// DateLayout 是 date 字段使用的日历日期格式
const DateLayout = "2006-01-02"

// Record 表示 feed 中的一条记录：存储分配的键加上一组松散类型的字段。
type Record struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Get 返回字段值，不存在时返回 Null
func (r *Record) Get(name string) Value {
	if r == nil || r.Fields == nil {
		return Null()
	}
	v, ok := r.Fields[name]
	if !ok {
		return Null()
	}
	return v
}

// StringField 在字段为字符串时返回其值，否则返回空串
func (r *Record) StringField(name string) string {
	s, _ := r.Get(name).AsString()
	return s
}

// IsDeleted 判断消息是否已被软删除，缺省视为 false
func (r *Record) IsDeleted() bool {
	b, ok := r.Get(FieldDeleted).AsBool()
	return ok && b
}

// UID 返回消息作者的身份 ID
func (r *Record) UID() string {
	return r.StringField(FieldUID)
}

// Clone 深拷贝记录，保证快照不可变
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: r.Fields.Clone()}
}

// MarshalJSON 把记录编码为扁平对象：{"id": ..., 字段...}
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]Value, len(r.Fields)+1)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat["id"] = String(r.ID)
	return json.Marshal(flat)
}

// UnmarshalJSON 还原 MarshalJSON 的扁平格式
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]Value
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	id, _ := flat["id"].AsString()
	delete(flat, "id")
	r.ID = id
	r.Fields = Fields(flat)
	return nil
}

// Snapshot 是某个集合在某一时刻的完整副本。
//
// Records 保持 feed 的插入顺序。快照一经发布即不可修改。
type Snapshot struct {
	Collection string   `json:"collection"`
	Version    int64    `json:"version"`
	Records    []Record `json:"records"`
}

// Len 返回记录数量
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// Find 按 ID 查找记录
func (s *Snapshot) Find(id string) (*Record, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Records {
		if s.Records[i].ID == id {
			return &s.Records[i], true
		}
	}
	return nil, false
}

// NewMessageFields 构造一条新消息的字段集合。
// timestamp 使用服务器时间占位符，由 feed 在写入时解析。
func NewMessageFields(text, username, uid, date string) Fields {
	return Fields{
		FieldText:      String(text),
		FieldUser:      String(username),
		FieldUID:       String(uid),
		FieldDate:      String(date),
		FieldTimestamp: ServerTimestamp(),
		FieldDeleted:   Bool(false),
	}
}

// SoftDeletePatch 返回软删除使用的部分更新
func SoftDeletePatch() Fields {
	return Fields{FieldDeleted: Bool(true)}
}
