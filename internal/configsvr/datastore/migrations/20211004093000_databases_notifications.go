package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20211004093000_databases_notifications",
		Up: []string{
			`CREATE OR REPLACE FUNCTION notify_on_databases_change() RETURNS TRIGGER AS $$
			DECLARE
				changed TEXT;
			BEGIN
				IF TG_OP = 'DELETE' THEN
					changed := OLD.name;
				ELSE
					changed := NEW.name;
				END IF;

				PERFORM PG_NOTIFY('databases_updates', JSON_BUILD_OBJECT('databases', JSON_BUILD_ARRAY(changed))::TEXT);
				RETURN NULL;
			END;
			$$ LANGUAGE plpgsql;`,

			`CREATE TRIGGER notify_on_databases_change AFTER INSERT OR UPDATE OR DELETE ON databases
			FOR EACH ROW EXECUTE PROCEDURE notify_on_databases_change();`,
		},
		Down: []string{
			`DROP TRIGGER IF EXISTS notify_on_databases_change ON databases;`,
			`DROP FUNCTION IF EXISTS notify_on_databases_change;`,
		},
	}

	allMigrations = append(allMigrations, m)
}
