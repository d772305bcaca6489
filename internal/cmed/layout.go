// Package cmed describes the ANVISA CMED price list: its positional column
// layout and the five normalized tables plus the creation marker it loads into.
package cmed

import (
	"strconv"
	"strings"

	"cmedetl/internal/config"
	"cmedetl/internal/multitable"
	"cmedetl/internal/storage"
)

// Table names.
const (
	Substances  = "SUBSTANCIAS"
	Labs        = "LABORATORIOS"
	Classes     = "CLASSES_TERAPEUTICAS"
	Products    = "PRODUTOS"
	Prices      = "PRECOS"
	MarkerTable = "criacao_db"

	DefaultDB = "LISTACMED.db"
)

// icmsRates are the rate suffixes of the PF and PMC column groups, in sheet order.
var icmsRates = []string{"0", "12", "17", "17_ALC", "17_5", "17_5_ALC", "18", "18_ALC", "19", "20", "21", "22"}

// Columns returns the 46 positional source field names.
func Columns() []string {
	cols := []string{
		"substancia", "cnpj", "laboratorio", "ggrem", "registro",
		"ean1", "ean2", "ean3", "produto", "apresentacao",
		"classe_terapeutica", "tipo_produto", "regime_preco",
		"pf_sem_impostos",
	}
	for _, r := range icmsRates {
		cols = append(cols, "pf_"+strings.ToLower(r))
	}
	for _, r := range icmsRates {
		cols = append(cols, "pmc_"+strings.ToLower(r))
	}
	return append(cols,
		"restricao_hospitalar", "cap", "confaz_87", "icms_0",
		"analise_recursal", "lista_credito", "comercializacao_ano_anterior", "tarja",
	)
}

// HeaderAnchors maps header positions to the folded label fragment expected
// there. Position 42 (recurso) is not checked.
func HeaderAnchors() map[string]string {
	a := map[string]string{
		"0": "SUBST", "1": "CNPJ", "2": "LABORAT", "3": "GGREM", "4": "REGISTRO",
		"5": "EAN1", "6": "EAN2", "7": "EAN3", "8": "PRODUTO", "9": "APRESENTA",
		"10": "CLASSE", "11": "TIPO", "12": "REGIME",
		"38": "RESTRI", "39": "CAP", "40": "CONFAZ", "41": "ICMS",
		"43": "LISTA", "44": "COMERCIALIZ", "45": "TARJA",
	}
	for i := 13; i <= 25; i++ {
		a[strconv.Itoa(i)] = "PF"
	}
	for i := 26; i <= 37; i++ {
		a[strconv.Itoa(i)] = "PMC"
	}
	return a
}

// MinColumns is the narrowest header the layout accepts.
const MinColumns = 46

func ptr[T any](v T) *T { return &v }

func fk(table, column string) *storage.ReferenceSpec {
	return &storage.ReferenceSpec{Table: table, Column: column, OnUpdate: "CASCADE", OnDelete: "RESTRICT"}
}

func col(name, typ string) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: typ}
}

func from(target, field, transform string) storage.FromRowSpec {
	return storage.FromRowSpec{TargetColumn: target, SourceField: field, Transform: transform}
}

func lookup(target, table, keyColumn, field, transform, ret string) storage.FromRowSpec {
	return storage.FromRowSpec{
		TargetColumn: target,
		Lookup: &storage.LookupSpec{
			Table:     table,
			Match:     map[string]string{keyColumn: field},
			Transform: transform,
			Return:    ret,
			OnMissing: "null",
		},
	}
}

func cache(key, value, onNull string) *storage.CacheSpec {
	return &storage.CacheSpec{KeyColumn: key, ValueColumn: value, Prewarm: true, OnNullKey: onNull}
}

func serial(name string) *storage.PrimaryKeySpec {
	return &storage.PrimaryKeySpec{Name: name, Type: "serial"}
}

// Tables returns the table specs in load order.
func Tables() []storage.TableSpec {
	return []storage.TableSpec{
		{
			Name:            Substances,
			AutoCreateTable: true,
			PrimaryKey:      serial("SubstanciaID"),
			Columns:         []storage.ColumnSpec{col("Substancia", "text")},
			Load: storage.LoadSpec{
				Kind:     "dimension",
				FromRows: []storage.FromRowSpec{from("Substancia", "substancia", "substance")},
				Cache:    cache("Substancia", "SubstanciaID", "skip"),
			},
		},
		{
			Name:            Labs,
			AutoCreateTable: true,
			PrimaryKey:      serial("LaboratorioID"),
			Columns:         []storage.ColumnSpec{col("CNPJ", "text"), col("Laboratorio", "text")},
			Load: storage.LoadSpec{
				Kind: "dimension",
				FromRows: []storage.FromRowSpec{
					from("CNPJ", "cnpj", "text"),
					from("Laboratorio", "laboratorio", "text"),
				},
				Cache: cache("CNPJ", "LaboratorioID", "skip"),
			},
		},
		{
			Name:            Classes,
			AutoCreateTable: true,
			PrimaryKey:      serial("ClasseTerapeuticaID"),
			Columns:         []storage.ColumnSpec{col("CodigoClasse", "text"), col("DescricaoClasse", "text")},
			Load: storage.LoadSpec{
				Kind: "dimension",
				FromRows: []storage.FromRowSpec{
					from("CodigoClasse", "classe_terapeutica", "class_code"),
					from("DescricaoClasse", "classe_terapeutica", "class_description"),
				},
				Cache: cache("CodigoClasse", "ClasseTerapeuticaID", "skip"),
			},
		},
		productsTable(),
		pricesTable(),
		{
			Name:            MarkerTable,
			AutoCreateTable: true,
			Columns:         []storage.ColumnSpec{col("DATA", "integer")},
			Load: storage.LoadSpec{
				Kind:     "marker",
				FromRows: []storage.FromRowSpec{{TargetColumn: "DATA", Generator: "now_unix_nano"}},
			},
		},
	}
}

func productsTable() storage.TableSpec {
	withFK := func(name, table string) storage.ColumnSpec {
		c := col(name, "integer")
		c.References = fk(table, name)
		return c
	}
	return storage.TableSpec{
		Name:            Products,
		AutoCreateTable: true,
		PrimaryKey:      serial("ProdutoID"),
		Columns: []storage.ColumnSpec{
			withFK("SubstanciaID", Substances),
			withFK("LaboratorioID", Labs),
			withFK("ClasseTerapeuticaID", Classes),
			col("GGREM", "integer"),
			col("Registro", "integer"),
			col("EAN1", "integer"),
			col("EAN2", "integer"),
			col("EAN3", "integer"),
			col("Produto", "text"),
			col("Apresentacao", "text"),
			col("Tipo", "integer"),
			col("RegimePreco", "integer"),
			col("RestricaoHospitalar", "integer"),
			col("CAP", "integer"),
			col("CONFAZ87", "integer"),
			col("ICMS_0", "integer"),
			col("Lista", "integer"),
			col("ComercializaAnoAnterior", "integer"),
			col("Tarja", "integer"),
		},
		Load: storage.LoadSpec{
			Kind: "fact",
			FromRows: []storage.FromRowSpec{
				lookup("SubstanciaID", Substances, "Substancia", "substancia", "substance", "SubstanciaID"),
				lookup("LaboratorioID", Labs, "CNPJ", "cnpj", "text", "LaboratorioID"),
				lookup("ClasseTerapeuticaID", Classes, "CodigoClasse", "classe_terapeutica", "class_code", "ClasseTerapeuticaID"),
				from("GGREM", "ggrem", "int"),
				from("Registro", "registro", "int"),
				from("EAN1", "ean1", "int"),
				from("EAN2", "ean2", "int"),
				from("EAN3", "ean3", "int"),
				from("Produto", "produto", "dash_null"),
				from("Apresentacao", "apresentacao", "dash_null"),
				from("Tipo", "tipo_produto", "product_type"),
				from("RegimePreco", "regime_preco", "price_regime"),
				from("RestricaoHospitalar", "restricao_hospitalar", "yes_no"),
				from("CAP", "cap", "yes_no"),
				from("CONFAZ87", "confaz_87", "yes_no"),
				from("ICMS_0", "icms_0", "yes_no"),
				from("Lista", "lista_credito", "balance"),
				from("ComercializaAnoAnterior", "comercializacao_ano_anterior", "yes_no"),
				from("Tarja", "tarja", "tarja"),
			},
			Cache: cache("EAN1", "ProdutoID", "warn"),
		},
	}
}

// PriceColumns returns the 25 price columns: the tax-free factory price, then
// PF and PMC for each ICMS rate.
func PriceColumns() []string {
	out := []string{"PFSemImposto"}
	for _, r := range icmsRates {
		out = append(out, "PF_"+r)
	}
	for _, r := range icmsRates {
		out = append(out, "PMC_"+r)
	}
	return out
}

func pricesTable() storage.TableSpec {
	produto := col("ProdutoID", "integer")
	produto.References = fk(Products, "ProdutoID")

	cols := []storage.ColumnSpec{produto}
	rows := []storage.FromRowSpec{lookup("ProdutoID", Products, "EAN1", "ean1", "int", "ProdutoID")}

	fields := Columns()[13:38]
	for i, name := range PriceColumns() {
		cols = append(cols, col(name, "numeric"))
		rows = append(rows, from(name, fields[i], "decimal_comma"))
	}

	return storage.TableSpec{
		Name:            Prices,
		AutoCreateTable: true,
		PrimaryKey:      serial("PrecoID"),
		Columns:         cols,
		Load: storage.LoadSpec{
			Kind:     "fact",
			FromRows: rows,
			// A row whose product is unknown has no dedupe key and would be
			// inserted again on every run, so it is skipped with a warning.
			Cache: cache("ProdutoID", "PrecoID", "warn"),
		},
	}
}

// PipelineOptions are the operator-facing knobs of DefaultPipeline.
type PipelineOptions struct {
	Sheet         string // location of the price list
	SheetName     string // worksheet, default first
	StoreKind     string
	DSN           string
	CreateSchema  bool
	SkipRows      int
	LenientHeader bool
	BatchSize     int
	DebugTimings  bool
}

// DefaultPipeline builds the CMED pipeline config.
func DefaultPipeline(o PipelineOptions) multitable.Pipeline {
	opts := config.Options{
		"skip_rows":  o.SkipRows,
		"has_header": true,
		"comma":      ";",
		"encoding":   "windows-1252",
	}
	if o.SheetName != "" {
		opts["sheet"] = o.SheetName
	}
	if !o.LenientHeader {
		opts["min_columns"] = MinColumns
		opts["header_anchors"] = HeaderAnchors()
	}

	kind := o.StoreKind
	if kind == "" {
		kind = "sqlite"
	}
	dsn := o.DSN
	if dsn == "" {
		dsn = DefaultDB
	}

	return multitable.Pipeline{
		Job:    "cmed_price_list",
		Source: multitable.Source{Location: o.Sheet},
		Parser: multitable.Parser{Kind: "auto", Columns: Columns(), Options: opts},
		Storage: multitable.Storage{
			Kind: kind,
			DB: multitable.MultiDB{
				DSN:          dsn,
				Mode:         "multi_table",
				CreateSchema: o.CreateSchema,
				Tables:       Tables(),
			},
		},
		Runtime: multitable.RuntimeConfig{BatchSize: o.BatchSize, DebugTimings: o.DebugTimings},
	}
}
